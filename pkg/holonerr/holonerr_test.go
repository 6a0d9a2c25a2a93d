package holonerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsUnwrapsWrappedBlockNotFound(t *testing.T) {
	wrapped := fmt.Errorf("execute_operation: %w", &BlockNotFound{ID: "local://abc"})

	var target *BlockNotFound
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "local://abc", target.ID)
}

func TestNetworkErrorUnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	netErr := &NetworkError{Target: "todoist", Err: cause}

	assert.ErrorIs(t, netErr, cause)
	assert.Contains(t, netErr.Error(), "todoist")
}

func TestInternalErrorUnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("bucket missing")
	err := &InternalError{Context: "storage", Err: cause}

	assert.ErrorIs(t, err, cause)
}

func TestDistinctErrorTypesDoNotMatchEachOther(t *testing.T) {
	err := error(&CyclicMove{BlockID: "a", NewParent: "b"})

	var blockNotFound *BlockNotFound
	assert.False(t, errors.As(err, &blockNotFound))
}
