package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		present bool
		to      Status
		want    bool
	}{
		{"absent to requested", 0, false, StatusRequested, true},
		{"absent to processing", 0, false, StatusProcessing, true},
		{"absent to succeeded", 0, false, StatusSucceeded, false},
		{"requested to processing", StatusRequested, true, StatusProcessing, true},
		{"requested again", StatusRequested, true, StatusRequested, false},
		{"processing reclaim", StatusProcessing, true, StatusProcessing, true},
		{"processing to succeeded", StatusProcessing, true, StatusSucceeded, true},
		{"processing to failed", StatusProcessing, true, StatusFailed, true},
		{"processing back to requested", StatusProcessing, true, StatusRequested, false},
		{"requested to succeeded", StatusRequested, true, StatusSucceeded, false},
		{"succeeded is terminal", StatusSucceeded, true, StatusProcessing, false},
		{"failed is terminal", StatusFailed, true, StatusSucceeded, false},
		{"failed stays failed", StatusFailed, true, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.present, tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s)

	s, err = ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, s)

	_, err = ParseStatus("7")
	assert.Error(t, err)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"abc123", "video.mp4", "a-b_c", "my clip.mp4", "vidéo"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, " abc", "a\x00", `clip"1`, "clip\n1", "a\tb", "\xff\xfe"} {
		err := ValidateID(id)
		assert.True(t, errors.Is(err, ErrInvalidID), "%q: %v", id, err)
	}
}

func TestRefAck(t *testing.T) {
	called := 0
	ref := NewRef("abc", "test", func(context.Context) error {
		called++
		return nil
	})
	require.NoError(t, ref.Ack(context.Background()))
	assert.Equal(t, 1, called)

	var bare Ref
	assert.NoError(t, bare.Ack(context.Background()))
}

func TestResultShouldAck(t *testing.T) {
	assert.True(t, Result{Outcome: OutcomeFailed}.ShouldAck())
	assert.True(t, Result{Outcome: OutcomeSkipped}.ShouldAck())
	assert.False(t, Result{Outcome: OutcomeAborted}.ShouldAck())
}

func TestValidateCatalog(t *testing.T) {
	require.NoError(t, ValidateCatalog(DefaultCatalog()))

	assert.Error(t, ValidateCatalog(nil))
	assert.Error(t, ValidateCatalog([]Rendition{{Label: "a/b", Width: 1, Height: 1, BitrateKbps: 1}}))
	assert.Error(t, ValidateCatalog([]Rendition{{Label: `hd"`, Width: 1, Height: 1, BitrateKbps: 1}}))
	assert.Error(t, ValidateCatalog([]Rendition{
		{Label: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Label: "360p", Width: 640, Height: 360, BitrateKbps: 900},
	}))
	assert.Error(t, ValidateCatalog([]Rendition{{Label: "x", Width: 0, Height: 360, BitrateKbps: 800}}))
	assert.Error(t, ValidateCatalog([]Rendition{{Label: "master", Width: 1, Height: 1, BitrateKbps: 1}}))
}

func TestRenditionScaleAndBandwidth(t *testing.T) {
	r := DefaultCatalog()[1]
	assert.Equal(t, "1280x720", r.Scale())
	assert.Equal(t, 2000000, r.Bandwidth())
}
