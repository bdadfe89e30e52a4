package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := fmt.Errorf("disk on fire")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"tagged", E(KindStagingFull, "staging.acquire", base), KindStagingFull},
		{"wrapped tagged", fmt.Errorf("outer: %w", E(KindPermanentRemote, "submit", base)), KindPermanentRemote},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransientRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Ef(KindTransientRemote, "submit", "status 503")))
	assert.True(t, IsTransient(Ef(KindTransientIO, "store", "short write")))
	assert.True(t, IsTransient(Ef(KindStagingFull, "staging.acquire", "above high-water mark")))
	assert.False(t, IsTransient(Ef(KindPermanentRemote, "submit", "status 400")))
	assert.False(t, IsTransient(Ef(KindValidationFailed, "enqueue", "missing transaction id")))
	assert.False(t, IsTransient(nil))
}

func TestENilPassthrough(t *testing.T) {
	assert.NoError(t, E(KindTransientIO, "op", nil))
}

func TestRejectReasonStrings(t *testing.T) {
	assert.Equal(t, "calling-ae-title-not-recognized", RejectReasonCallingAETitleNotRecognized.String())
	assert.Equal(t, "called-ae-title-not-recognized", RejectReasonCalledAETitleNotRecognized.String())
	assert.Equal(t, "unknown", AssociationRejectReason(0x7f).String())
}

func TestAssociationErrorMessage(t *testing.T) {
	err := NewAssociationError(RejectResultPermanent, RejectReasonCallingAETitleNotRecognized, "UNKNOWN not in allow list")
	assert.Contains(t, err.Error(), "calling-ae-title-not-recognized")
	assert.Contains(t, err.Error(), "UNKNOWN not in allow list")
}

func TestDIMSEErrorMessage(t *testing.T) {
	err := NewDIMSEError(0xA700, "C-STORE", "1.2.3.4")
	assert.Equal(t, uint16(0xA700), err.Status)
	assert.Equal(t, "C-STORE", err.Operation)
	assert.Contains(t, err.Error(), "C-STORE")
	assert.Contains(t, err.Error(), "0xA700")
}
