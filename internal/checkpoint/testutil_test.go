package checkpoint

import (
	"encoding/json"

	"github.com/danshapiro/scylla/internal/model"
)

func marshalForTest(rr model.RunResult) ([]byte, error) {
	return json.Marshal(rr)
}

func cloneForTest(cp *model.Checkpoint) *model.Checkpoint {
	b, _ := json.Marshal(cp)
	var out model.Checkpoint
	_ = json.Unmarshal(b, &out)
	return &out
}
