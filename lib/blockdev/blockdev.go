package blockdev

import (
	"encoding/json"
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// cmder is the subset of *qmp.Client the graph manager needs; a narrow
// interface so tests can substitute a recorder.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

// Graph manages one VM's live block-node graph.
type Graph struct {
	vm    cmder
	guard qemuver.Guard
}

// New returns a Graph that issues blockdev operations against vm.
func New(vm cmder, guard qemuver.Guard) *Graph {
	return &Graph{vm: vm, guard: guard}
}

type namedNodeInfo struct {
	NodeName string          `json:"node-name"`
	Drv      string          `json:"drv"`
	File     string          `json:"file"`
	RO       bool            `json:"ro"`
	Image    json.RawMessage `json:"image"`
}

// queryNamedNodes builds a name->info map from query-named-block-nodes.
func (g *Graph) queryNamedNodes() (map[string]namedNodeInfo, error) {
	ret, err := g.vm.Cmd(qmp.PeerQMP, "query-named-block-nodes", nil)
	if err != nil {
		return nil, err
	}
	var list []namedNodeInfo
	if err := json.Unmarshal(ret, &list); err != nil {
		return nil, vmerr.Wrap(vmerr.ProtocolDecode, "query-named-block-nodes", err)
	}
	m := make(map[string]namedNodeInfo, len(list))
	for _, n := range list {
		m[n.NodeName] = n
	}
	return m, nil
}

// Attach builds and adds the blockdev tree for a drive, returning its top
// node name. Pre-cleans and re-adds the throttle-group object unless
// opts.NoThrottle is set.
func (g *Graph) Attach(driveID, volid string, d drive.Drive, opts Options) (nodeName string, err error) {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	isTop := !opts.NoThrottle
	if isTop {
		// Pre-clean any stale throttle-group with the same id, then add a
		// fresh one built from the drive's current rate limits.
		g.vm.Cmd(qmp.PeerQMP, "object-del", map[string]any{"id": ThrottleGroupName(driveID)})
		tgObj := ThrottleGroupObject(driveID, d)
		if _, err := g.vm.Cmd(qmp.PeerQMP, "object-add", tgObj); err != nil {
			return "", vmerr.Wrap(vmerr.AddFailed, "object-add throttle-group", err)
		}
		cu.Add(func() {
			g.vm.Cmd(qmp.PeerQMP, "object-del", map[string]any{"id": ThrottleGroupName(driveID)})
		})
	}

	tree, _, _ := BuildTopTree(d, driveID, volid, opts)
	if _, err := g.vm.Cmd(qmp.PeerQMP, "blockdev-add", tree); err != nil {
		return "", vmerr.Wrap(vmerr.AddFailed, "blockdev-add", err)
	}

	name, _ := tree["node-name"].(string)
	cu.Release()
	return name, nil
}

// Detach tears down a node by walking its "file" child chain, issuing
// blockdev-del at each level, then deletes the throttle-group object if the
// node was a top node. "not found" errors from QEMU (already gone) are
// swallowed.
func (g *Graph) Detach(nodeName string) error {
	nodes, err := g.queryNamedNodes()
	if err != nil {
		return err
	}

	cur := nodeName
	wasTop := false
	if _, ok := ParseTopNodeDriveID(nodeName); ok {
		wasTop = true
	}

	for cur != "" {
		info, exists := nodes[cur]
		next := ""
		if exists {
			next = info.File
		}
		if _, err := g.vm.Cmd(qmp.PeerQMP, "blockdev-del", map[string]any{"node-name": cur}); err != nil {
			if !isNotFoundError(err) {
				return vmerr.Wrap(vmerr.DelFailed, "blockdev-del "+cur, err)
			}
			// already gone: stop walking further down this branch
			break
		}
		cur = next
	}

	if wasTop {
		if driveID, ok := ParseTopNodeDriveID(nodeName); ok {
			if _, err := g.vm.Cmd(qmp.PeerQMP, "object-del", map[string]any{"id": ThrottleGroupName(driveID)}); err != nil && !isNotFoundError(err) {
				return vmerr.Wrap(vmerr.ObjectDelFailed, "object-del throttle-group", err)
			}
		}
	}
	return nil
}

func isNotFoundError(err error) bool {
	return err != nil && (containsFold(err.Error(), "not found") || containsFold(err.Error(), "does not exist"))
}

func containsFold(s, substr string) bool {
	// small helper to avoid importing strings twice with different casing
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ChangeMedium implements eject+attach+insert for removable media:
// open tray (forced) -> remove medium -> detach node -> attach new (if not
// "none") -> insert medium -> close tray.
func (g *Graph) ChangeMedium(deviceID, topNode, newVolid string, d drive.Drive, opts Options) (string, error) {
	if _, err := g.vm.Cmd(qmp.PeerQMP, "blockdev-open-tray", map[string]any{"id": deviceID, "force": true}); err != nil {
		return "", vmerr.Wrap(vmerr.CommandError, "blockdev-open-tray", err)
	}
	g.vm.Cmd(qmp.PeerQMP, "blockdev-remove-medium", map[string]any{"id": deviceID})

	if err := g.Detach(topNode); err != nil {
		return "", err
	}

	var newNode string
	if newVolid != "none" {
		driveID, _ := ParseTopNodeDriveID(topNode)
		node, err := g.Attach(driveID, newVolid, d, opts)
		if err != nil {
			return "", err
		}
		newNode = node
		if _, err := g.vm.Cmd(qmp.PeerQMP, "blockdev-insert-medium", map[string]any{"id": deviceID, "node-name": newNode}); err != nil {
			return "", vmerr.Wrap(vmerr.CommandError, "blockdev-insert-medium", err)
		}
	}

	if _, err := g.vm.Cmd(qmp.PeerQMP, "blockdev-close-tray", map[string]any{"id": deviceID}); err != nil {
		return "", vmerr.Wrap(vmerr.CommandError, "blockdev-close-tray", err)
	}
	return newNode, nil
}

// Resize calls block_resize on the top (throttle) node — only the top
// propagates the new size to the guest.
func (g *Graph) Resize(topNode string, bytes int64) error {
	_, err := g.vm.Cmd(qmp.PeerQMP, "block_resize", map[string]any{"node-name": topNode, "size": bytes})
	if err != nil {
		return vmerr.Wrap(vmerr.CommandError, "block_resize", err)
	}
	return nil
}

// SetIOThrottle applies new rate limits, choosing qom-set on the
// throttle-<deviceid> object (new path) or legacy block_set_io_throttle,
// gated by the machine-version guard.
func (g *Graph) SetIOThrottle(deviceID string, d drive.Drive) error {
	limits := ThrottleGroupObject("", d)["limits"]
	if g.guard.SupportsBlockdev() {
		_, err := g.vm.Cmd(qmp.PeerQMP, "qom-set", map[string]any{
			"path": fmt.Sprintf("throttle-%s", deviceID), "property": "limits", "value": limits,
		})
		if err != nil {
			return vmerr.Wrap(vmerr.CommandError, "qom-set limits", err)
		}
		return nil
	}
	args := map[string]any{"device": deviceID}
	if m, ok := limits.(Tree); ok {
		for k, v := range m {
			args[k] = v
		}
	}
	if _, err := g.vm.Cmd(qmp.PeerQMP, "block_set_io_throttle", args); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "block_set_io_throttle", err)
	}
	return nil
}
