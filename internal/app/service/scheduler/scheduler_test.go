package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
)

func TestJobs(t *testing.T) {
	jobs := Jobs(cfgpkg.SchedulerConfig{RecurringBilling: "0 * * * *", CartReminders: "45 * * * *"}, nil, nil)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"recurring_billing", "upcoming_notices", "grace_sweep", "expiry_sweep", "cart_reminders"}, names)
	assert.Equal(t, "0 * * * *", jobs[0].Spec)
	assert.Empty(t, jobs[1].Spec)
}

func TestRegister(t *testing.T) {
	noop := func(context.Context) (any, error) { return nil, nil }
	tests := []struct {
		name    string
		jobs    []Job
		entries int
		wantErr bool
	}{
		{"scheduled and disabled", []Job{{Name: "a", Spec: "*/5 * * * *", Run: noop}, {Name: "b", Run: noop}}, 1, false},
		{"invalid spec", []Job{{Name: "a", Spec: "every tuesday", Run: noop}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.jobs, platformredis.NewLocalLocker(), nil, zap.NewNop().Sugar())
			err := s.Register()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, s.cron.Entries(), tt.entries)
		})
	}
}

func TestRunJob(t *testing.T) {
	ctx := context.Background()
	locker := platformredis.NewLocalLocker()
	s := New(nil, locker, nil, zap.NewNop().Sugar())

	runs := 0
	job := Job{Name: "count", Run: func(context.Context) (any, error) { runs++; return runs, nil }}
	require.NoError(t, s.RunJob(ctx, job))
	assert.Equal(t, 1, runs)

	unlock, err := locker.Lock(ctx, "cron:count", 0)
	require.NoError(t, err)
	require.NoError(t, s.RunJob(ctx, job), "a held lock skips the run")
	assert.Equal(t, 1, runs)
	unlock()

	boom := errors.New("boom")
	err = s.RunJob(ctx, Job{Name: "fail", Run: func(context.Context) (any, error) { return nil, boom }})
	assert.ErrorIs(t, err, boom)

	_, err = locker.Lock(ctx, "cron:fail", 0)
	assert.NoError(t, err, "the lock is released after a failed run")
}
