package components

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

type limitsDoc struct {
	MaxEntries           int    `yaml:"max_entries"`
	MaxUnexpectedHeaders int    `yaml:"max_unexpected_headers"`
	MaxMDs               int    `yaml:"max_mds"`
	MaxEQs               int    `yaml:"max_eqs"`
	MaxCTs               int    `yaml:"max_cts"`
	MaxPTIndex           int    `yaml:"max_pt_index"`
	MaxIovecs            int    `yaml:"max_iovecs"`
	MaxListSize          int    `yaml:"max_list_size"`
	MaxTriggeredOps      int    `yaml:"max_triggered_ops"`
	MaxMsgSize           uint64 `yaml:"max_msg_size"`
}

// WriteLimits writes the negotiated interface limits, one "name: value" line
// each.
func WriteLimits(w io.Writer, l portals.Limits) error {
	enc := yaml.NewEncoder(w)

	if err := enc.Encode(limitsDoc(l)); err != nil {
		return err
	}

	return enc.Close()
}
