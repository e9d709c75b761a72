// Package integration wires the coordinator to its real collaborators: the
// HTTP analysis client, the gRPC session service, SQLite history and the
// result file.
package integration

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// employeeUnits builds n records shaped like the ones the CLI reads.
func employeeUnits(n int) []types.WorkUnit[json.RawMessage] {
	units := make([]types.WorkUnit[json.RawMessage], n)
	for i := range units {
		id := fmt.Sprintf("emp-%03d", i+1)
		units[i] = types.WorkUnit[json.RawMessage]{
			ID:      id,
			Payload: json.RawMessage(fmt.Sprintf(`{"employee_id":%q,"level":%d}`, id, i%4)),
		}
	}
	return units
}
