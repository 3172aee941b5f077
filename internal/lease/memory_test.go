package lease_test

import (
	"testing"

	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/lease/leasetest"
)

func TestMemory_Conformance(t *testing.T) {
	leasetest.Run(t, func(_ *testing.T) lease.Provider { return lease.NewMemory(nil) })
}
