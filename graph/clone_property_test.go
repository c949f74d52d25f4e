package graph

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// nestedPayload builds a serializable value tree from generated leaves: a
// map of scalars wrapped in depth levels of nesting with a sibling slice at
// each level.
func nestedPayload(keys []string, nums []int, depth int) map[string]any {
	leaf := map[string]any{}
	for i, k := range keys {
		leaf[fmt.Sprintf("k_%s_%d", k, i)] = nums[i%len(nums)]
	}
	cur := leaf
	for i := 0; i < depth; i++ {
		cur = map[string]any{
			"child": cur,
			"tags":  []any{fmt.Sprintf("level-%d", i), i},
		}
	}
	return cur
}

type payloadCase struct {
	Keys  []string
	Nums  []int
	Depth int
}

func genPayloadCase() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(3, gen.AlphaString()),
		gen.SliceOfN(3, gen.IntRange(-1000, 1000)),
		gen.IntRange(0, 4),
	).Map(func(vals []interface{}) payloadCase {
		return payloadCase{
			Keys:  vals[0].([]string),
			Nums:  vals[1].([]int),
			Depth: vals[2].(int),
		}
	})
}

// TestClonePreservesValueProperty verifies that for any serializable value
// tree the clone is deeply equal to the original.
func TestClonePreservesValueProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("clone deep-equals the original", prop.ForAll(
		func(tc payloadCase) bool {
			original := nestedPayload(tc.Keys, tc.Nums, tc.Depth)
			cloned, err := Clone(original)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(original, cloned)
		},
		genPayloadCase(),
	))

	properties.TestingRun(t)
}

// TestCloneIsolationProperty verifies that mutating any level of the clone
// never leaks into the original.
func TestCloneIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("clone mutations never reach the original", prop.ForAll(
		func(tc payloadCase) bool {
			original := nestedPayload(tc.Keys, tc.Nums, tc.Depth)
			witness, err := Clone(original)
			if err != nil {
				return false
			}
			cloned, err := Clone(original)
			if err != nil {
				return false
			}

			m := cloned.(map[string]any)
			// Walk to the deepest level and scribble over every layer on
			// the way down.
			for {
				m["scribble"] = "x"
				child, ok := m["child"].(map[string]any)
				if !ok {
					break
				}
				if tags, ok := m["tags"].([]any); ok && len(tags) > 0 {
					tags[0] = "scribbled"
				}
				m = child
			}

			return reflect.DeepEqual(original, witness)
		},
		genPayloadCase(),
	))

	properties.TestingRun(t)
}

// TestFingerprintCloneInvariantProperty verifies that cache fingerprints
// depend only on value content: a clone of the inputs always fingerprints
// identically, for every caching strategy.
func TestFingerprintCloneInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	strategies := []CacheStrategy{CacheInputs, CacheInputsAndCode, CacheInputsCodeAndConfig}

	properties.Property("fingerprint is invariant under cloning", prop.ForAll(
		func(tc payloadCase) bool {
			inputs := nestedPayload(tc.Keys, tc.Nums, tc.Depth)
			cloned, err := Clone(inputs)
			if err != nil {
				return false
			}

			for _, strategy := range strategies {
				node := &Node{
					ID:          "n",
					Type:        NodeHandler,
					HandlerName: "h",
					Config:      map[string]any{"opt": true},
					Cache:       &CachePolicy{Strategy: strategy},
				}
				a, err := Fingerprint(node, inputs)
				if err != nil {
					return false
				}
				b, err := Fingerprint(node, cloned.(map[string]any))
				if err != nil {
					return false
				}
				if a != b {
					return false
				}
			}
			return true
		},
		genPayloadCase(),
	))

	properties.TestingRun(t)
}
