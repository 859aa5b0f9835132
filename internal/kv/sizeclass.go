// Package kv implements the KV record layer of spec.md §4.3–§4.6: size-class
// slab pools, the Inline/Concat/Pages record layouts, the shard-global LRU,
// and allocation with LRU-driven reclamation.
package kv

import "github.com/kvshard/kvshard/internal/pagemem"

// KeySizeMax is the largest key the wire protocol accepts (spec.md §6,
// KEY_SIZE_MAX).
const KeySizeMax = 255

// KvCacheObjSizeMin is the smallest size class (spec.md §4.4).
const KvCacheObjSizeMin = 16

// KvCacheObjSizeMax is the slab-obj max: the largest object a slab pool will
// ever produce, one page (spec.md §3's Slab-Obj and §4.4).
const KvCacheObjSizeMax = pagemem.PageSize

// sizeClasses is the precomputed power-of-two ladder from KvCacheObjSizeMin
// to KvCacheObjSizeMax. Two adjacent classes only exist where their slab
// order actually differs in practice; a plain doubling ladder keeps that
// property without hand-tuning (spec.md §4.4).
var sizeClasses = buildSizeClasses()

func buildSizeClasses() []uint32 {
	var classes []uint32
	for sz := uint32(KvCacheObjSizeMin); sz <= KvCacheObjSizeMax; sz *= 2 {
		classes = append(classes, sz)
	}
	return classes
}

// lookupTable maps a rounded-up 8-byte bucket to a class index. The runtime
// consults this table and never iterates the class ladder (spec.md §4.4).
var lookupTable = buildLookupTable()

func buildLookupTable() []uint8 {
	buckets := KvCacheObjSizeMax/8 + 1
	table := make([]uint8, buckets)
	classIdx := 0
	for bucket := 0; bucket < buckets; bucket++ {
		roundedSize := uint32(bucket) * 8
		if roundedSize == 0 {
			roundedSize = 8
		}
		for sizeClasses[classIdx] < roundedSize {
			classIdx++
		}
		table[bucket] = uint8(classIdx)
	}
	return table
}

// NumClasses returns the number of size classes.
func NumClasses() int { return len(sizeClasses) }

// ClassSize returns the object size of class idx.
func ClassSize(idx int) uint32 { return sizeClasses[idx] }

// ClassFor returns the size class that fits size bytes, or ok=false if size
// exceeds KvCacheObjSizeMax.
func ClassFor(size uint32) (idx int, classSize uint32, ok bool) {
	if size > KvCacheObjSizeMax {
		return 0, 0, false
	}
	bucket := (size + 7) / 8
	i := int(lookupTable[bucket])
	return i, sizeClasses[i], true
}

// paddedKeySize returns the space a keyLen-byte key occupies once prefixed
// with its 1-byte length and padded to an 8-byte boundary (spec.md §3).
func paddedKeySize(keyLen int) int {
	return (1 + keyLen + 7) &^ 7
}
