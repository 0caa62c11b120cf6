package document

import "github.com/baby/sf1r-lite/pkg/types"

// classifyRType implements spec.md §4.5.1: iterate the raw document;
// for each property whose new value differs from the currently
// persisted value, require it be R-type eligible. If every differing
// property qualifies, the update is R-type and rtypeValues holds the
// new values for the changed columns.
func classifyRType(schema *types.Schema, old *types.Document, newValues map[string]types.Value) (bool, map[string]types.Value) {
	rtypeValues := make(map[string]types.Value)

	for name, newVal := range newValues {
		prop := schema.Lookup(name)
		if prop == nil {
			continue
		}

		oldVal, hadOld := old.Properties[name]
		if hadOld && oldVal.Equal(newVal) {
			continue
		}

		if !prop.RTypeEligible() {
			return false, nil
		}
		rtypeValues[name] = newVal
	}

	return true, rtypeValues
}
