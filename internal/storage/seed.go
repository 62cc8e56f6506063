package storage

import (
	"context"
	"fmt"

	"github.com/dreamware/trellis/internal/cluster"
)

// DefaultSeed is the number of orders a fresh application node starts with.
const DefaultSeed = 100

// Seed creates n sample orders named "Order i". It stops at the first error.
func Seed(ctx context.Context, s Store, n int) error {
	for i := 1; i <= n; i++ {
		o := cluster.NewOrder(
			fmt.Sprintf("Order %d", i),
			fmt.Sprintf("Description of order %d", i),
		)
		if _, err := s.Create(ctx, o); err != nil {
			return fmt.Errorf("seed order %d: %w", i, err)
		}
	}
	return nil
}
