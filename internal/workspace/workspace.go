// Package workspace implements the YAML workspace import/export format of
// spec §6: a human-editable document with schemaVersion, meta, and the
// optional sections environments, connections, tags, bridges, dashboards
// and alertRules. Entities cross-reference one another by name rather
// than id; Import resolves those names against the live Connection
// Manager, Bridge Engine and Alert Engine, surfacing name collisions
// under a caller-selected ConflictPolicy. Built on gopkg.in/yaml.v3, the
// same library the teacher's own config file loader uses.
package workspace

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// SchemaVersion is the workspace document version this package writes.
// Unmarshal fills it in when a document omits meta.schemaVersion and does
// not otherwise check the version.
const SchemaVersion = 1

// ConflictPolicy selects how Import handles a name already present in the
// target system.
type ConflictPolicy string

const (
	PolicySkip      ConflictPolicy = "skip"
	PolicyOverwrite ConflictPolicy = "overwrite"
	PolicyRename    ConflictPolicy = "rename"
)

// Meta carries the document's schema version and free-form identification.
type Meta struct {
	SchemaVersion int    `yaml:"schemaVersion"`
	Name          string `yaml:"name,omitempty"`
}

// ConnectionDoc is one exported/importable Connection, addressed by Name.
type ConnectionDoc struct {
	Name     string                 `yaml:"name"`
	Protocol model.Protocol         `yaml:"protocol"`
	Config   map[string]interface{} `yaml:"config,omitempty"`
}

// TagDoc is one exported/importable Tag. Connection names its owning
// ConnectionDoc by name.
type TagDoc struct {
	Name       string         `yaml:"name"`
	Connection string         `yaml:"connection"`
	DataType   model.DataType `yaml:"dataType"`
	Address    model.Address  `yaml:"address"`
	Enabled    bool           `yaml:"enabled"`
}

// BridgeDoc is one exported/importable Bridge. SourceTags names tags
// within SourceConnection.
type BridgeDoc struct {
	Name             string                   `yaml:"name"`
	SourceConnection string                   `yaml:"sourceConnection"`
	SourceTags       []string                 `yaml:"sourceTags"`
	TargetConnection string                   `yaml:"targetConnection"`
	TargetConfig     model.BridgeTargetConfig `yaml:"targetConfig"`
	Options          model.BridgeOptions      `yaml:"options,omitempty"`
}

// AlertRuleDoc is one exported/importable AlertRule. Tag, when set, is a
// compound "connectionName/tagName" reference; Connection names the
// ConnectionDoc for a status-trigger rule.
type AlertRuleDoc struct {
	Name          string                 `yaml:"name"`
	Tag           string                 `yaml:"tag,omitempty"`
	Condition     *model.AlertCondition  `yaml:"condition,omitempty"`
	Connection    string                 `yaml:"connection,omitempty"`
	StatusTrigger model.ConnectionStatus `yaml:"statusTrigger,omitempty"`
	Severity      model.Severity         `yaml:"severity"`
	DurationMs    int64                  `yaml:"durationMs"`
	CooldownMs    int64                  `yaml:"cooldownMs"`
	Enabled       bool                   `yaml:"enabled"`
}

// Document is the full workspace YAML file, spec §6.
type Document struct {
	Meta         Meta                     `yaml:"meta"`
	Environments []model.Environment      `yaml:"environments,omitempty"`
	Connections  []ConnectionDoc          `yaml:"connections,omitempty"`
	Tags         []TagDoc                 `yaml:"tags,omitempty"`
	Bridges      []BridgeDoc              `yaml:"bridges,omitempty"`
	Dashboards   []map[string]interface{} `yaml:"dashboards,omitempty"`
	AlertRules   []AlertRuleDoc           `yaml:"alertRules,omitempty"`
}

// Marshal renders doc as workspace YAML.
func Marshal(doc Document) ([]byte, error) {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "workspace.Marshal", err)
	}
	return b, nil
}

// Unmarshal parses workspace YAML into a Document.
func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, apperr.New(apperr.KindConfig, "workspace.Unmarshal", err)
	}
	if doc.Meta.SchemaVersion == 0 {
		doc.Meta.SchemaVersion = SchemaVersion
	}
	return doc, nil
}

// ExportInput gathers the live state Export needs. TagsByConnection is
// keyed by connection id.
type ExportInput struct {
	Environments     []model.Environment
	Connections      []model.Connection
	TagsByConnection map[string][]model.Tag
	Bridges          []model.Bridge
	AlertRules       []model.AlertRule
}

// Export builds a Document from live state, resolving every id-based
// cross-reference back to a name.
func Export(in ExportInput) Document {
	doc := Document{Meta: Meta{SchemaVersion: SchemaVersion}, Environments: in.Environments}

	connNameByID := make(map[string]string, len(in.Connections))
	for _, c := range in.Connections {
		connNameByID[c.ID] = c.Name
		doc.Connections = append(doc.Connections, ConnectionDoc{Name: c.Name, Protocol: c.Protocol, Config: c.Config})
	}

	tagNameByID := map[string]string{}
	for connID, tags := range in.TagsByConnection {
		connName := connNameByID[connID]
		for _, t := range tags {
			tagNameByID[t.ID] = connName + "/" + t.Name
			doc.Tags = append(doc.Tags, TagDoc{
				Name: t.Name, Connection: connName, DataType: t.DataType, Address: t.Address, Enabled: t.Enabled,
			})
		}
	}

	for _, b := range in.Bridges {
		sourceTags := make([]string, 0, len(b.SourceTagIDs))
		for _, tid := range b.SourceTagIDs {
			if name, ok := tagNameByID[tid]; ok {
				sourceTags = append(sourceTags, tagShortName(name))
			}
		}
		doc.Bridges = append(doc.Bridges, BridgeDoc{
			Name:             b.ID,
			SourceConnection: connNameByID[b.SourceConnectionID],
			SourceTags:       sourceTags,
			TargetConnection: connNameByID[b.TargetConnectionID],
			TargetConfig:     b.TargetConfig,
			Options:          b.Options,
		})
	}

	for _, r := range in.AlertRules {
		d := AlertRuleDoc{Name: r.ID, Severity: r.Severity, DurationMs: r.DurationMs, CooldownMs: r.CooldownMs, Enabled: r.Enabled}
		if r.IsTagBound() {
			d.Tag = tagNameByID[r.TagRef]
			d.Condition = r.Condition
		} else {
			d.Connection = connNameByID[r.ConnectionRef]
			d.StatusTrigger = r.StatusTrigger
		}
		doc.AlertRules = append(doc.AlertRules, d)
	}

	return doc
}

func tagShortName(compound string) string {
	for i := len(compound) - 1; i >= 0; i-- {
		if compound[i] == '/' {
			return compound[i+1:]
		}
	}
	return compound
}

// ConnectionManager is the subset of connmgr.Manager Import needs.
type ConnectionManager interface {
	List() []model.Connection
	Create(model.Connection) (model.Connection, error)
	GetTags(connectionID string) ([]model.Tag, error)
	AddTag(model.Tag) (model.Tag, error)
}

// BridgeStarter is the subset of bridge.Engine Import needs.
type BridgeStarter interface {
	Start(model.Bridge) error
}

// AlertRuleAdder is the subset of alert.Engine Import needs.
type AlertRuleAdder interface {
	AddRule(model.AlertRule) (model.AlertRule, error)
}

// Result records the name -> id resolution Import performed, plus any
// entities skipped or renamed under the chosen ConflictPolicy.
type Result struct {
	ConnectionIDByName map[string]string
	TagIDByName        map[string]string // keyed "connectionName/tagName"
	Skipped            []string
	Renamed            map[string]string
}

// Importer materializes a Document's entities into live CM/BE/AE state.
type Importer struct {
	cm ConnectionManager
	be BridgeStarter
	ae AlertRuleAdder
}

// NewImporter constructs an Importer over the given live components.
func NewImporter(cm ConnectionManager, be BridgeStarter, ae AlertRuleAdder) *Importer {
	return &Importer{cm: cm, be: be, ae: ae}
}

// Import applies doc's connections, tags, bridges and alert rules in that
// order (each section's cross-references depend on the previous one
// having resolved), under the given conflict policy.
func (im *Importer) Import(doc Document, policy ConflictPolicy) (Result, error) {
	res := Result{
		ConnectionIDByName: map[string]string{},
		TagIDByName:        map[string]string{},
		Renamed:            map[string]string{},
	}

	existing := map[string]model.Connection{}
	for _, c := range im.cm.List() {
		existing[c.Name] = c
	}

	for _, cd := range doc.Connections {
		if err := im.importConnection(cd, policy, existing, &res); err != nil {
			return res, err
		}
	}
	for _, td := range doc.Tags {
		if err := im.importTag(td, policy, &res); err != nil {
			return res, err
		}
	}
	for _, bd := range doc.Bridges {
		if err := im.importBridge(bd, &res); err != nil {
			return res, err
		}
	}
	for _, rd := range doc.AlertRules {
		if err := im.importAlertRule(rd, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (im *Importer) importConnection(cd ConnectionDoc, policy ConflictPolicy, existing map[string]model.Connection, res *Result) error {
	name := cd.Name
	if ex, ok := existing[name]; ok {
		switch policy {
		case PolicySkip:
			res.ConnectionIDByName[cd.Name] = ex.ID
			res.Skipped = append(res.Skipped, "connection:"+name)
			return nil
		case PolicyOverwrite:
			res.ConnectionIDByName[cd.Name] = ex.ID
			return nil
		case PolicyRename:
			name = uniqueConnectionName(name, existing)
			res.Renamed[cd.Name] = name
		default:
			return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("connection %q exists and no conflict policy was given", name))
		}
	}
	created, err := im.cm.Create(model.Connection{Name: name, Protocol: cd.Protocol, Config: cd.Config})
	if err != nil {
		return err
	}
	existing[name] = created
	res.ConnectionIDByName[cd.Name] = created.ID
	return nil
}

func (im *Importer) importTag(td TagDoc, policy ConflictPolicy, res *Result) error {
	connID, ok := res.ConnectionIDByName[td.Connection]
	if !ok {
		return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("tag %q references unknown connection %q", td.Name, td.Connection))
	}
	key := td.Connection + "/" + td.Name
	existingTags, err := im.cm.GetTags(connID)
	if err != nil {
		return err
	}
	name := td.Name
	for _, et := range existingTags {
		if et.Name != td.Name {
			continue
		}
		switch policy {
		case PolicySkip:
			res.TagIDByName[key] = et.ID
			res.Skipped = append(res.Skipped, "tag:"+key)
			return nil
		case PolicyOverwrite:
			res.TagIDByName[key] = et.ID
			return nil
		case PolicyRename:
			name = uniqueTagName(td.Name, existingTags)
			res.Renamed[key] = td.Connection + "/" + name
		default:
			return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("tag %q exists on connection %q and no conflict policy was given", td.Name, td.Connection))
		}
	}
	created, err := im.cm.AddTag(model.Tag{
		ConnectionID: connID, Name: name, DataType: td.DataType, Address: td.Address, Enabled: td.Enabled,
	})
	if err != nil {
		return err
	}
	res.TagIDByName[key] = created.ID
	return nil
}

func (im *Importer) importBridge(bd BridgeDoc, res *Result) error {
	srcConn, ok := res.ConnectionIDByName[bd.SourceConnection]
	if !ok {
		return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("bridge %q references unknown source connection %q", bd.Name, bd.SourceConnection))
	}
	tgtConn, ok := res.ConnectionIDByName[bd.TargetConnection]
	if !ok {
		return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("bridge %q references unknown target connection %q", bd.Name, bd.TargetConnection))
	}
	tagIDs := make([]string, 0, len(bd.SourceTags))
	for _, tn := range bd.SourceTags {
		id, ok := res.TagIDByName[bd.SourceConnection+"/"+tn]
		if !ok {
			return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("bridge %q references unknown tag %q", bd.Name, tn))
		}
		tagIDs = append(tagIDs, id)
	}
	b := model.Bridge{
		ID: model.NewID(), SourceConnectionID: srcConn, SourceTagIDs: tagIDs,
		TargetConnectionID: tgtConn, TargetConfig: bd.TargetConfig, Options: bd.Options,
	}
	return im.be.Start(b)
}

func (im *Importer) importAlertRule(rd AlertRuleDoc, res *Result) error {
	rule := model.AlertRule{Severity: rd.Severity, DurationMs: rd.DurationMs, CooldownMs: rd.CooldownMs, Enabled: rd.Enabled}
	if rd.Tag != "" {
		tagID, ok := res.TagIDByName[rd.Tag]
		if !ok {
			return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("alert rule %q references unknown tag %q", rd.Name, rd.Tag))
		}
		rule.TagRef = tagID
		rule.Condition = rd.Condition
	} else {
		connID, ok := res.ConnectionIDByName[rd.Connection]
		if !ok {
			return apperr.New(apperr.KindValidation, "workspace.Import", fmt.Errorf("alert rule %q references unknown connection %q", rd.Name, rd.Connection))
		}
		rule.ConnectionRef = connID
		rule.StatusTrigger = rd.StatusTrigger
	}
	_, err := im.ae.AddRule(rule)
	return err
}

func uniqueConnectionName(name string, existing map[string]model.Connection) string {
	candidate := name
	for n := 2; ; n++ {
		if _, ok := existing[candidate]; !ok {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", name, n)
	}
}

func uniqueTagName(name string, existingTags []model.Tag) string {
	taken := make(map[string]bool, len(existingTags))
	for _, t := range existingTags {
		taken[t.Name] = true
	}
	candidate := name
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", name, n)
	}
	return candidate
}
