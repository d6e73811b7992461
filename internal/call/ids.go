package call

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var configureIDs sync.Once

// NewIDNode returns a snowflake node for call session ids.
//
// Session ids travel as JSON numbers to browser peers, so the layout is
// shrunk to stay below 2^53: a 2024 epoch, 4 node bits and 8 step bits.
func NewIDNode(node int64) (*snowflake.Node, error) {
	configureIDs.Do(func() {
		snowflake.Epoch = 1704067200000
		snowflake.NodeBits = 4
		snowflake.StepBits = 8
	})
	return snowflake.NewNode(node)
}
