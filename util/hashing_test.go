package util

import "testing"

func TestHashSeedIsDeterministic(t *testing.T) {
	if HashSeed(42, 0, 1, 2) != HashSeed(42, 0, 1, 2) {
		t.Errorf("same inputs gave different seeds")
	}
}

func TestHashSeedDependsOnOrder(t *testing.T) {
	if HashSeed(1, 2) == HashSeed(2, 1) {
		t.Errorf("swapped inputs gave the same seed")
	}
	if HashSeed(7, 0) == HashSeed(7, 1) {
		t.Errorf("neighbouring inputs gave the same seed")
	}
}
