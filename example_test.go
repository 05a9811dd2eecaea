package mera_test

import (
	"fmt"
	"log"

	"github.com/fumin/mera"
	"github.com/fumin/mera/internal/tensorops"
	"github.com/fumin/mera/treelayer"
)

func Example() {
	// Create a binary tree network on 2-dimensional sites with
	// two transition layers and a scale invariant top.
	bonds := []mera.Space{mera.NewSpace(2), mera.NewSpace(2), mera.NewSpace(2)}
	network, err := mera.Random(treelayer.New, bonds, true)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	// The density matrices have unit trace, so the expectation
	// value of the identity is one at every depth.
	id := tensorops.IdentityOperator(2, 2)
	for depth := 1; depth <= 3; depth++ {
		e, err := network.Expect(id, depth)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		fmt.Printf("depth %d <I> %.4f\n", depth, e)
	}

	// Output:
	// depth 1 <I> 1.0000
	// depth 2 <I> 1.0000
	// depth 3 <I> 1.0000
}
