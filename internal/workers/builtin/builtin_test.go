package builtin

import (
	"testing"

	"github.com/nupi-ai/hostd/internal/workers"
)

func TestEveryBuiltinIsRegistered(t *testing.T) {
	factories := make(map[string]bool)
	for _, location := range workers.Factories() {
		factories[location] = true
	}
	for _, location := range []string{
		"builtin:console",
		"builtin:fileconfig",
		"builtin:health",
		"builtin:mysql",
		"builtin:postgres",
		"builtin:querybuilder",
		"builtin:redislog",
		"builtin:sqlite",
		"builtin:sqlstore",
	} {
		if !factories[location] {
			t.Errorf("%s is not registered", location)
		}
	}
}
