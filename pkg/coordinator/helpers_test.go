package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/meridian/pkg/barrier"
)

func barrierOfOne(t *testing.T) *barrier.CountingBarrier {
	t.Helper()
	return barrier.NewCountingBarrier(1)
}

func encodeJSONForTest(v any) ([]byte, error) {
	return json.Marshal(v)
}
