package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/events"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      pgx.Row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakePublisher struct {
	subject string
	event   *events.Event
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, ev *events.Event) error {
	p.subject = subject
	p.event = ev
	return p.err
}

func sampleEntry() *domain.AuditLogEntry {
	return &domain.AuditLogEntry{
		ID:            "a1",
		Actor:         "alice",
		SourceAddress: "10.0.0.1",
		AuthHeader:    Fingerprint("Bearer secret"),
		OperationName: "users.updateUser",
		Outcome:       domain.AuditFailure,
		StatusCode:    409,
		ErrorMessage:  "Entity version conflict",
		Subject:       map[string]any{"_id": "u1"},
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint(""))
	fp := Fingerprint("Bearer secret")
	assert.Len(t, fp, 64)
	assert.NotContains(t, fp, "secret")
	assert.Equal(t, fp, Fingerprint("Bearer secret"))
}

func TestPostgresSinkAppend(t *testing.T) {
	db := &fakeDB{}
	sink := &PostgresSink{DB: db}

	require.NoError(t, sink.Append(context.Background(), sampleEntry()))
	assert.Contains(t, db.execSQL, "INSERT INTO audit_log")
	require.Len(t, db.execArgs, 10)
	assert.Equal(t, "a1", db.execArgs[0])
	assert.Equal(t, "failure", db.execArgs[5])
	assert.JSONEq(t, `{"_id":"u1"}`, string(db.execArgs[8].([]byte)))
}

func TestPostgresSinkGet(t *testing.T) {
	e := sampleEntry()
	db := &fakeDB{row: fakeRow{values: []any{
		e.ID, e.Actor, e.SourceAddress, e.AuthHeader, e.OperationName,
		"failure", 409, e.ErrorMessage, []byte(`{"_id":"u1"}`), e.CreatedAt,
	}}}
	sink := &PostgresSink{DB: db}

	got, err := sink.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = sink.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestEventSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := &EventSink{Publisher: pub}

	require.NoError(t, sink.Append(context.Background(), sampleEntry()))
	assert.Equal(t, "audit.failure", pub.subject)
	assert.Equal(t, "a1", pub.event.ID)

	var decoded domain.AuditLogEntry
	require.NoError(t, json.Unmarshal(pub.event.Data, &decoded))
	assert.Equal(t, "users.updateUser", decoded.OperationName)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	failing := &EventSink{Publisher: &fakePublisher{err: errors.New("nats down")}}
	sink := MultiSink{&LogSink{Logger: logger}, failing}

	err := sink.Append(context.Background(), sampleEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "alice", hook.LastEntry().Data["actor"])
	assert.Equal(t, 409, hook.LastEntry().Data["status_code"])
}
