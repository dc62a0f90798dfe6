package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediavault/internal/job"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSPublisherSubjectAndPayload(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSPublisher(pub, "media.zip")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := n.Notify(context.Background(), job.Event{ZipID: "Photos", Status: job.StateReady, Size: 42, At: at})
	require.NoError(t, err)
	require.Equal(t, []string{"media.zip.ready"}, pub.subjects)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	require.Equal(t, "Photos", got["zipId"])
	require.Equal(t, "ready", got["status"])
	require.EqualValues(t, 42, got["size"])
	require.NotContains(t, got, "error")
}

func TestNATSPublisherDefaultsAndErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	n := NewNATSPublisher(pub, "")

	err := n.Notify(context.Background(), job.Event{ZipID: "Docs", Status: job.StateCancelled})
	require.ErrorContains(t, err, "no responders")
	require.Equal(t, []string{DefaultSubject + ".cancelled"}, pub.subjects)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, n.Notify(ctx, job.Event{ZipID: "Docs", Status: job.StateReady}), context.Canceled)
	require.Len(t, pub.subjects, 1)
}

func TestMultiNotifiesAll(t *testing.T) {
	failing := &fakePublisher{err: errors.New("down")}
	ok := &fakePublisher{}
	m := Multi{Log{}, NewNATSPublisher(failing, "a"), NewNATSPublisher(ok, "b")}

	err := m.Notify(context.Background(), job.Event{ZipID: "x", Status: job.StateError, Error: "boom"})
	require.Error(t, err)
	require.Len(t, failing.subjects, 1)
	require.Equal(t, []string{"b.error"}, ok.subjects)
}
