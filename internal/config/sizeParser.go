package config

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/vsrinivas/crashd/internal/domain"
)

// StringToStorageSize is a DecodeHookFunc that converts a string like
// "5MiB" to domain.StorageSize.
func StringToStorageSize() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(domain.StorageSize(0)) {
			return data, nil
		}
		return domain.ParseStorageSize(data.(string))
	}
}
