package natsjetstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"regstore/event"
)

func TestNewQueueDefaults(t *testing.T) {
	q := NewQueue(Config{})
	require.Equal(t, "REGSTORE", q.cfg.Stream)
	require.Equal(t, "changes.", q.cfg.SubjectPrefix)
	require.Equal(t, "regstore-", q.cfg.DurablePrefix)
	require.Equal(t, 30*time.Second, q.cfg.AckWait)
	require.Equal(t, 1024, q.cfg.MaxAckPending)
}

func TestSubjectName(t *testing.T) {
	q := NewQueue(Config{SubjectPrefix: "reg."})
	require.Equal(t, "reg.records", q.subjectName("records"))
}

func TestPublishBeforeStartFails(t *testing.T) {
	q := NewQueue(Config{})
	err := q.Publish(context.Background(), event.ChangeEvent{Table: "records", RecordID: "r1"})
	require.Error(t, err)
}
