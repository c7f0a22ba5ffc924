package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"

	"github.com/ensembleworks/ensemble/runtime/engine"
)

func TestMapStatus(t *testing.T) {
	t.Parallel()
	cases := map[enums.WorkflowExecutionStatus]engine.RunStatus{
		enums.WORKFLOW_EXECUTION_STATUS_RUNNING:          engine.StatusRunning,
		enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW: engine.StatusRunning,
		enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:        engine.StatusCompleted,
		enums.WORKFLOW_EXECUTION_STATUS_FAILED:           engine.StatusFailed,
		enums.WORKFLOW_EXECUTION_STATUS_CANCELED:         engine.StatusCanceled,
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:       engine.StatusTerminated,
		enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:        engine.StatusTimedOut,
		enums.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED:      engine.StatusUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, mapStatus(in), in.String())
	}
}

func TestConvertRetryPolicy(t *testing.T) {
	t.Parallel()
	require.Nil(t, convertRetryPolicy(nil))

	got := convertRetryPolicy(&engine.RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        time.Minute,
		NonRetryable:       []string{"config_invalid", "input_unsafe"},
	})
	require.EqualValues(t, 3, got.MaximumAttempts)
	require.Equal(t, time.Second, got.InitialInterval)
	require.Equal(t, 2.0, got.BackoffCoefficient)
	require.Equal(t, time.Minute, got.MaximumInterval)
	require.Equal(t, []string{"config_invalid", "input_unsafe"}, got.NonRetryableErrorTypes)
}

func TestConvertErrorPreservesType(t *testing.T) {
	t.Parallel()
	require.NoError(t, convertError(nil))

	appErr := temporal.NewApplicationError("llm provider unreachable", "transport")
	got := convertError(appErr)
	require.Equal(t, "transport", engine.ErrorTypeOf(got))

	plain := errors.New("plain")
	require.Equal(t, plain, convertError(plain))
	require.Empty(t, engine.ErrorTypeOf(plain))
}

func TestNewRequiresQueueAndClient(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{WorkerOptions: WorkerOptions{TaskQueue: "agents"}})
	require.Error(t, err)
}
