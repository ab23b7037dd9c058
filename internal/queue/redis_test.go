package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// fakeClaimer answers XAUTOCLAIM from a fixed result
type fakeClaimer struct {
	msgs []rd.XMessage
	err  error
	args *rd.XAutoClaimArgs
}

func (f *fakeClaimer) XAutoClaim(ctx context.Context, a *rd.XAutoClaimArgs) *rd.XAutoClaimCmd {
	f.args = a
	cmd := rd.NewXAutoClaimCmd(ctx)
	cmd.SetVal(f.msgs, "0-0")
	cmd.SetErr(f.err)
	return cmd
}

func TestClaimStale(t *testing.T) {
	stale := rd.XMessage{ID: "1700000000000-0", Values: map[string]interface{}{"key": "c1", "body": "{}", "attempt": "2"}}

	tests := []struct {
		name    string
		claimer *fakeClaimer
		want    int
		wantErr bool
	}{
		{"stale entry", &fakeClaimer{msgs: []rd.XMessage{stale}}, 1, false},
		{"nothing idle", &fakeClaimer{}, 0, false},
		{"nil reply", &fakeClaimer{err: rd.Nil}, 0, false},
		{"connection error", &fakeClaimer{err: errors.New("connection refused")}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := claimStale(context.Background(), tt.claimer, RawCustomerEvents, "workers", "worker-b", 5*time.Minute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("claimStale() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(msgs) != tt.want {
				t.Fatalf("claimed = %d, want %d", len(msgs), tt.want)
			}

			a := tt.claimer.args
			if a.Stream != RawCustomerEvents || a.Group != "workers" || a.Consumer != "worker-b" {
				t.Errorf("args = %+v", a)
			}
			if a.MinIdle != 5*time.Minute || a.Start != "0-0" || a.Count != 1 {
				t.Errorf("args = %+v, want min idle 5m from 0-0, one entry", a)
			}
		})
	}

	msg, err := parseStreamMessage(RawCustomerEvents, stale)
	if err != nil || msg.Attempt != 2 || msg.Key != "c1" {
		t.Errorf("claimed entry parsed = %+v, %v", msg, err)
	}
}

func TestRedisBrokerDefaults(t *testing.T) {
	b := NewRedisBrokerWithClient(rd.NewClient(&rd.Options{Addr: "localhost:0"}), Options{})
	defer b.Close()
	if b.opts.ClaimIdle != 5*time.Minute || b.opts.BlockTimeout != 2*time.Second {
		t.Errorf("opts = %+v", b.opts)
	}
}
