package opcua

import (
	"context"
	"fmt"
	"strings"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/kcchien/iiot-gateway/internal/apperr"
)

// BrowseDirection selects which reference direction Browse walks.
type BrowseDirection string

const (
	BrowseForward  BrowseDirection = "forward"
	BrowseInverse  BrowseDirection = "inverse"
	BrowseBoth     BrowseDirection = "both"
)

// BrowseRef is one reference returned by Browse.
type BrowseRef struct {
	NodeID      string
	BrowseName  string
	DisplayName string
	NodeClass   uint32
	ReferenceTypeID string
}

// BrowseResult is the paged result of Browse, per spec §4.1.c.
type BrowseResult struct {
	Refs             []BrowseRef
	ContinuationPoint []byte
}

func browseDirectionTo(d BrowseDirection) ua.BrowseDirection {
	switch d {
	case BrowseInverse:
		return ua.BrowseDirectionInverse
	case BrowseBoth:
		return ua.BrowseDirectionBoth
	default:
		return ua.BrowseDirectionForward
	}
}

// Browse returns references from nodeID up to maxRefs, with a
// continuation point for BrowseNext when more remain.
func (a *Adapter) Browse(ctx context.Context, nodeID string, direction BrowseDirection, maxRefs uint32) (BrowseResult, error) {
	client := a.currentClient()
	if client == nil {
		return BrowseResult{}, fmt.Errorf("opcua: not connected")
	}
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return BrowseResult{}, err
	}
	desc := &ua.BrowseDescription{
		NodeID:          nid,
		BrowseDirection: browseDirectionTo(direction),
		ReferenceTypeID: ua.NewNumericNodeID(0, 33), // HierarchicalReferences
		IncludeSubtypes: true,
		NodeClassMask:   0, // all
		ResultMask:      uint32(ua.BrowseResultMaskAll),
	}
	req := &ua.BrowseRequest{
		View:                          &ua.ViewDescription{},
		RequestedMaxReferencesPerNode: maxRefs,
		NodesToBrowse:                 []*ua.BrowseDescription{desc},
	}
	resp, err := client.Browse(ctx, req)
	if err != nil {
		return BrowseResult{}, apperr.New(apperr.KindProtocol, "opcua.Browse", err)
	}
	if len(resp.Results) == 0 {
		return BrowseResult{}, nil
	}
	return toBrowseResult(resp.Results[0]), nil
}

// BrowseNext continues a paged Browse using the continuation point
// returned by a prior call. release=true asks the server to discard the
// continuation point instead of returning more results.
func (a *Adapter) BrowseNext(ctx context.Context, point []byte, release bool) (BrowseResult, error) {
	client := a.currentClient()
	if client == nil {
		return BrowseResult{}, fmt.Errorf("opcua: not connected")
	}
	req := &ua.BrowseNextRequest{
		ReleaseContinuationPoints: release,
		ContinuationPoints:        [][]byte{point},
	}
	resp, err := client.BrowseNext(ctx, req)
	if err != nil {
		return BrowseResult{}, apperr.New(apperr.KindProtocol, "opcua.BrowseNext", err)
	}
	if len(resp.Results) == 0 {
		return BrowseResult{}, nil
	}
	return toBrowseResult(resp.Results[0]), nil
}

func toBrowseResult(r *ua.BrowseResult) BrowseResult {
	out := BrowseResult{ContinuationPoint: r.ContinuationPoint}
	for _, ref := range r.References {
		out.Refs = append(out.Refs, BrowseRef{
			NodeID:          ref.NodeID.NodeID.String(),
			BrowseName:      ref.BrowseName.Name,
			DisplayName:     ref.DisplayName.Text,
			NodeClass:       uint32(ref.NodeClass),
			ReferenceTypeID: ref.ReferenceTypeID.String(),
		})
	}
	return out
}

// NodeAttributes is the union of common and class-specific attributes of
// spec §4.1.c's readNodeAttributes.
type NodeAttributes struct {
	NodeID      string
	NodeClass   uint32
	BrowseName  string
	DisplayName string

	// Variable-class attributes.
	Value                   interface{}
	DataType                string
	ValueRank               int32
	ArrayDimensions         []uint32
	AccessLevel             uint8
	UserAccessLevel         uint8
	MinimumSamplingInterval float64
	Historizing             bool

	// Method-class attributes.
	Executable     bool
	UserExecutable bool
}

var commonAttrIDs = []ua.AttributeID{
	ua.AttributeIDNodeID, ua.AttributeIDNodeClass, ua.AttributeIDBrowseName, ua.AttributeIDDisplayName,
}

var variableAttrIDs = []ua.AttributeID{
	ua.AttributeIDValue, ua.AttributeIDDataType, ua.AttributeIDValueRank, ua.AttributeIDArrayDimensions,
	ua.AttributeIDAccessLevel, ua.AttributeIDUserAccessLevel, ua.AttributeIDMinimumSamplingInterval,
	ua.AttributeIDHistorizing,
}

var methodAttrIDs = []ua.AttributeID{ua.AttributeIDExecutable, ua.AttributeIDUserExecutable}

// ReadNodeAttributes reads the common attributes of nodeID, then the
// class-specific set (Variable or Method) once NodeClass is known, per
// spec §4.1.c.
func (a *Adapter) ReadNodeAttributes(ctx context.Context, nodeID string) (NodeAttributes, error) {
	client := a.currentClient()
	if client == nil {
		return NodeAttributes{}, fmt.Errorf("opcua: not connected")
	}
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return NodeAttributes{}, err
	}

	common, err := readAttrs(ctx, client, nid, commonAttrIDs)
	if err != nil {
		return NodeAttributes{}, err
	}
	out := NodeAttributes{NodeID: nodeID}
	if v := common[ua.AttributeIDNodeClass]; v != nil {
		out.NodeClass = toUint32(v)
	}
	if v := common[ua.AttributeIDBrowseName]; v != nil {
		if qn, ok := v.(*ua.QualifiedName); ok {
			out.BrowseName = qn.Name
		}
	}
	if v := common[ua.AttributeIDDisplayName]; v != nil {
		if lt, ok := v.(*ua.LocalizedText); ok {
			out.DisplayName = lt.Text
		}
	}

	const nodeClassVariable = 2
	const nodeClassMethod = 4
	switch out.NodeClass {
	case nodeClassVariable:
		vals, err := readAttrs(ctx, client, nid, variableAttrIDs)
		if err != nil {
			return out, err
		}
		out.Value = decodeVariant(valueVariant(vals[ua.AttributeIDValue]))
		if v := vals[ua.AttributeIDDataType]; v != nil {
			if nodeID, ok := v.(*ua.NodeID); ok {
				out.DataType = nodeID.String()
			}
		}
		out.ValueRank = toInt32(vals[ua.AttributeIDValueRank])
		out.AccessLevel = uint8(toUint32(vals[ua.AttributeIDAccessLevel]))
		out.UserAccessLevel = uint8(toUint32(vals[ua.AttributeIDUserAccessLevel]))
		out.MinimumSamplingInterval = toFloat64(vals[ua.AttributeIDMinimumSamplingInterval])
		out.Historizing, _ = vals[ua.AttributeIDHistorizing].(bool)
	case nodeClassMethod:
		vals, err := readAttrs(ctx, client, nid, methodAttrIDs)
		if err != nil {
			return out, err
		}
		out.Executable, _ = vals[ua.AttributeIDExecutable].(bool)
		out.UserExecutable, _ = vals[ua.AttributeIDUserExecutable].(bool)
	}
	return out, nil
}

func valueVariant(v interface{}) *ua.Variant {
	vv, _ := v.(*ua.Variant)
	return vv
}

func readAttrs(ctx context.Context, client *opcua.Client, nid *ua.NodeID, attrs []ua.AttributeID) (map[ua.AttributeID]interface{}, error) {
	var ids []*ua.ReadValueID
	for _, attr := range attrs {
		ids = append(ids, &ua.ReadValueID{NodeID: nid, AttributeID: attr})
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{NodesToRead: ids, TimestampsToReturn: ua.TimestampsToReturnNeither})
	if err != nil {
		return nil, apperr.New(apperr.KindProtocol, "opcua.ReadNodeAttributes", err)
	}
	out := map[ua.AttributeID]interface{}{}
	for i, attr := range attrs {
		if i >= len(resp.Results) {
			continue
		}
		dv := resp.Results[i]
		if dv.Status != ua.StatusOK || dv.Value == nil {
			continue
		}
		if attr == ua.AttributeIDValue {
			out[attr] = dv.Value
			continue
		}
		out[attr] = dv.Value.Value()
	}
	return out, nil
}

func toUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case int32:
		return uint32(n)
	case uint8:
		return uint32(n)
	default:
		return 0
	}
}

func toInt32(v interface{}) int32 {
	n, _ := v.(int32)
	return n
}

func toFloat64(v interface{}) float64 {
	n, _ := v.(float64)
	return n
}

// SearchResult is one hit of SearchNodes.
type SearchResult struct {
	NodeID      string
	DisplayName string
	Depth       int
}

// SearchNodes performs the breadth-first walk of spec §4.1.c: hierarchical
// references from start, matching DisplayName or BrowseName containing
// pattern (case-insensitive), truncated at maxResults/maxDepth.
func (a *Adapter) SearchNodes(ctx context.Context, start, pattern string, maxDepth, maxResults int, classFilter uint32) ([]SearchResult, error) {
	pattern = strings.ToLower(pattern)
	type frontierNode struct {
		id    string
		depth int
	}
	frontier := []frontierNode{{id: start, depth: 0}}
	visited := map[string]bool{start: true}
	var results []SearchResult

	for len(frontier) > 0 && len(results) < maxResults {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= maxDepth {
			continue
		}
		br, err := a.Browse(ctx, cur.id, BrowseForward, 1000)
		if err != nil {
			return results, err
		}
		point := br.ContinuationPoint
		refs := br.Refs
		for len(point) > 0 {
			more, err := a.BrowseNext(ctx, point, false)
			if err != nil {
				break
			}
			refs = append(refs, more.Refs...)
			point = more.ContinuationPoint
		}
		for _, ref := range refs {
			if classFilter != 0 && ref.NodeClass != classFilter {
				continue
			}
			name := strings.ToLower(ref.DisplayName)
			bname := strings.ToLower(ref.BrowseName)
			if strings.Contains(name, pattern) || strings.Contains(bname, pattern) {
				results = append(results, SearchResult{NodeID: ref.NodeID, DisplayName: ref.DisplayName, Depth: cur.depth + 1})
				if len(results) >= maxResults {
					break
				}
			}
			if !visited[ref.NodeID] {
				visited[ref.NodeID] = true
				frontier = append(frontier, frontierNode{id: ref.NodeID, depth: cur.depth + 1})
			}
		}
	}
	return results, nil
}

// TranslateBrowsePath resolves a relative path of BrowseNames from start
// using HierarchicalReferences, per spec §4.1.c.
func (a *Adapter) TranslateBrowsePath(ctx context.Context, start string, path []string) (string, error) {
	client := a.currentClient()
	if client == nil {
		return "", fmt.Errorf("opcua: not connected")
	}
	nid, err := ua.ParseNodeID(start)
	if err != nil {
		return "", err
	}
	var elements []*ua.RelativePathElement
	for _, name := range path {
		elements = append(elements, &ua.RelativePathElement{
			ReferenceTypeID: ua.NewNumericNodeID(0, 33), // HierarchicalReferences
			IncludeSubtypes: true,
			TargetName:      &ua.QualifiedName{Name: name},
		})
	}
	req := &ua.TranslateBrowsePathsToNodeIdsRequest{
		BrowsePaths: []*ua.BrowsePath{{StartingNode: nid, RelativePath: &ua.RelativePath{Elements: elements}}},
	}
	resp, err := client.TranslateBrowsePathsToNodeIDs(ctx, req)
	if err != nil {
		return "", apperr.New(apperr.KindProtocol, "opcua.TranslateBrowsePath", err)
	}
	if len(resp.Results) == 0 || len(resp.Results[0].Targets) == 0 {
		return "", fmt.Errorf("opcua: browse path not found")
	}
	return resp.Results[0].Targets[0].TargetID.NodeID.String(), nil
}

// ValidateWriteAccess checks the write bit and expected DataType for each
// nodeID before Write, per spec §4.1.c.
func (a *Adapter) ValidateWriteAccess(ctx context.Context, nodeIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range nodeIDs {
		attrs, err := a.ReadNodeAttributes(ctx, id)
		if err != nil {
			out[id] = false
			continue
		}
		out[id] = attrs.UserAccessLevel&0x02 != 0 // write bit
	}
	return out, nil
}

func (a *Adapter) currentClient() *opcua.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}
