package memory

import (
	"testing"

	"carfengine/internal/aggregation"
	"carfengine/internal/aggregation/store/storetest"
)

func TestInMemoryBucketStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) aggregation.Store {
		return New()
	})
}
