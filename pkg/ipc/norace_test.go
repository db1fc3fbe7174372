//go:build !race

package ipc

import "testing"

func skipRace(testing.TB) {}
