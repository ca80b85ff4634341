package util

import (
	"encoding/binary"
	"hash/fnv"
)

// HashSeed folds values into one RNG seed with FNV-1a, so nearby inputs
// such as consecutive batch numbers give unrelated streams.
func HashSeed(values ...int64) int64 {
	inputBytes := make([]byte, 8)
	algorithm := fnv.New64a()
	for _, v := range values {
		binary.LittleEndian.PutUint64(inputBytes, uint64(v))
		algorithm.Write(inputBytes)
	}
	return int64(algorithm.Sum64())
}
