package planner

import (
	"assetplan/internal/engine/graph"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashLength is the number of hex characters kept from a bundle digest.
const HashLength = 20

// bundleHash digests (module ID, content hash) pairs in bundle order.
func bundleHash(g *graph.Graph, modules []string) string {
	h := blake3.New(32, nil)
	for _, id := range modules {
		m, _ := g.Module(id)
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(m.Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLength]
}

// foldChunkMap mixes every other bundle's name and hash into the manifest
// hash, since the manifest artifact embeds that map.
func foldChunkMap(own string, bundles []Bundle, self int) string {
	h := blake3.New(32, nil)
	h.Write([]byte(own))
	h.Write([]byte{'\n'})
	for i, b := range bundles {
		if i == self {
			continue
		}
		h.Write([]byte(b.Name))
		h.Write([]byte{0})
		h.Write([]byte(b.Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLength]
}
