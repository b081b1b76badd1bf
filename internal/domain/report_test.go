package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportValidate(t *testing.T) {
	r := &Report{ProgramName: "crasher", Annotations: NewAnnotations()}
	r.Annotations.Set("signal", "SIGSEGV")
	if err := r.Validate(); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}
}

func TestReportValidateMissingProgram(t *testing.T) {
	r := &Report{}
	if err := r.Validate(); !errors.Is(err, ErrNoProgramName) {
		t.Fatalf("expected ErrNoProgramName, got %v", err)
	}
}

func TestReportValidateUnsafeProgramName(t *testing.T) {
	for _, name := range []string{".", "..", "a/b", `a\b`, "../escape"} {
		r := &Report{ProgramName: name}
		if err := r.Validate(); !errors.Is(err, ErrBadProgramName) {
			t.Errorf("program %q: expected ErrBadProgramName, got %v", name, err)
		}
	}
}

func TestReportValidateUnsafeAttachmentKey(t *testing.T) {
	r := &Report{ProgramName: "crasher", Attachments: map[string][]byte{"../../etc/passwd": []byte("x")}}
	if err := r.Validate(); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("expected ErrReservedKey, got %v", err)
	}
}

func TestReportValidateReservedKeys(t *testing.T) {
	for _, key := range []string{AnnotationsFilename, MinidumpFilename, SnapshotUUIDFilename} {
		ann := NewAnnotations()
		ann.Set(key, "x")
		r := &Report{ProgramName: "crasher", Annotations: ann}
		if err := r.Validate(); !errors.Is(err, ErrReservedKey) {
			t.Errorf("annotation key %q: expected ErrReservedKey, got %v", key, err)
		}

		r = &Report{ProgramName: "crasher", Attachments: map[string][]byte{key: []byte("x")}}
		if err := r.Validate(); !errors.Is(err, ErrReservedKey) {
			t.Errorf("attachment key %q: expected ErrReservedKey, got %v", key, err)
		}
	}
}

func TestAnnotationsOrderPreserved(t *testing.T) {
	a := NewAnnotations()
	a.Set("zulu", "1")
	a.Set("alpha", "2")
	a.Set("mike", "3")
	a.Set("zulu", "updated") // re-set keeps position

	assert.Equal(t, []string{"zulu", "alpha", "mike"}, a.Keys())

	data, err := a.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zulu":"updated","alpha":"2","mike":"3"}`, string(data))

	back := NewAnnotations()
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, a.Keys(), back.Keys())
	v, ok := back.Get("zulu")
	assert.True(t, ok)
	assert.Equal(t, "updated", v)
}

func TestSentinelUUIDs(t *testing.T) {
	for _, u := range []string{UUIDGarbageCollected, UUIDNotPersisted, UUIDTimedOut, UUIDShutdown, UUIDNoUUID} {
		assert.True(t, IsSentinelUUID(u), u)
		ann := MissingSnapshotAnnotations(u)
		present, _ := ann.Get(AnnotationSnapshotPresent)
		assert.Equal(t, "false", present)
		reason, ok := ann.Get(AnnotationSnapshotError)
		assert.True(t, ok)
		assert.NotEmpty(t, reason)
	}
	assert.False(t, IsSentinelUUID("5f1c"))
}

func TestReportSize(t *testing.T) {
	ann := NewAnnotations()
	ann.Set("k", "v")
	annBytes, err := ann.MarshalJSON()
	require.NoError(t, err)

	r := &Report{
		ProgramName:  "crasher",
		Annotations:  ann,
		Attachments:  map[string][]byte{"log.txt": []byte("0123456789")},
		Minidump:     []byte("dump"),
		SnapshotUUID: "abcd",
	}
	want := StorageSize(len(annBytes)) + 10 + 4 + 4
	assert.Equal(t, want, r.Size())
}
