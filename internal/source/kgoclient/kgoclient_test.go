package kgoclient

import (
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestToRecord(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	r := &kgo.Record{
		Key:       []byte("k"),
		Value:     []byte("v"),
		Topic:     "orders",
		Partition: 2,
		Offset:    42,
		Timestamp: ts,
		Headers: []kgo.RecordHeader{
			{Key: "trace-id", Value: []byte("abc")},
		},
	}

	got := toRecord(r)

	if got.Topic != "orders" || got.Partition != 2 || got.Offset != 42 {
		t.Fatalf("unexpected identity fields: %+v", got)
	}
	if string(got.Key) != "k" || string(got.Value) != "v" {
		t.Fatalf("unexpected key/value: %+v", got)
	}
	if got.Timestamp != ts.Unix() {
		t.Fatalf("Timestamp = %d, want %d", got.Timestamp, ts.Unix())
	}
	if len(got.Headers) != 1 || got.Headers[0].Name != "trace-id" || string(got.Headers[0].Value) != "abc" {
		t.Fatalf("unexpected headers: %+v", got.Headers)
	}
}

func TestToRecordNilKeyPreserved(t *testing.T) {
	r := &kgo.Record{Value: []byte("v"), Topic: "t", Partition: 0, Offset: 0}
	got := toRecord(r)
	if got.Key != nil {
		t.Fatalf("Key = %v, want nil", got.Key)
	}
}
