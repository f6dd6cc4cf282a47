//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed on the headless backend. FRAMEKIT_CONFIG selects a config file.
func (Run) Testbed() error {
	args := []string{"run", ".", "-frames", "600"}
	if path := os.Getenv("FRAMEKIT_CONFIG"); path != "" {
		args = append(args, "-config", path)
	}
	fmt.Println("Run testbed...")
	return goCmd(args...)
}
