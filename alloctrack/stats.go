package alloctrack

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// StatsString returns the diagnostic dump produced by BuildStatsString as
// a JSON string.
func (t *Tracker) StatsString() string {
	writer := jwriter.NewWriter()
	t.BuildStatsString(&writer)
	return string(writer.Bytes())
}

// BuildStatsString populates a json writer with a diagnostic dump of the
// tracker's current bookkeeping state: the quarantine ring, every tracked
// anonymous mapping, and the callstack table size. Walking the trees is
// slow and should only be done for diagnostic purposes.
func (t *Tracker) BuildStatsString(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("UniqueCallstacks").Int(t.callstacks.UniqueCount())

	t.printMappings(&objState)
	t.printQuarantine(&objState)
}

func (t *Tracker) printMappings(json *jwriter.ObjectState) {
	arrayState := json.Name("AnonMappings").Array()
	defer arrayState.End()

	t.mappings.VisitRegions(func(base uintptr, size uintptr) bool {
		obj := arrayState.Object()
		obj.Name("Base").String("0x" + strconv.FormatUint(uint64(base), 16))
		obj.Name("Size").Int(int(size))
		obj.End()
		return true
	})
}

func (t *Tracker) printQuarantine(json *jwriter.ObjectState) {
	if t.delayedFrees == nil {
		json.Name("DelayedFrees").Null()
		return
	}

	obj := json.Name("DelayedFrees").Object()
	defer obj.End()

	obj.Name("Capacity").Int(t.delayedFrees.Capacity())
	obj.Name("Fill").Int(t.delayedFrees.Fill())

	arrayState := obj.Name("Entries").Array()
	defer arrayState.End()

	t.delayedFrees.VisitQuarantine(func(realBase uintptr, realSize uintptr, hasRedzone bool) bool {
		entry := arrayState.Object()
		entry.Name("Base").String("0x" + strconv.FormatUint(uint64(realBase), 16))
		entry.Name("Size").Int(int(realSize))
		entry.Name("HasRedzone").Bool(hasRedzone)
		entry.End()
		return true
	})
}
