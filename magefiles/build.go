//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and compiles every package.
func (Build) Provider() error {
	if err := goModTidy(); err != nil {
		return err
	}
	return goCmd("build", "./...")
}

// Builds the testbed binary into bin/.
func (Build) Testbed() error {
	mg.Deps(Build.Provider)
	return goCmd("build", "-o", "bin/testbed", ".")
}
