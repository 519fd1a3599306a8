// -----------------------------------------------------------------------
// Metadata Model - versioned, tagged object catalog primitives
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// ObjectType identifies the class of a metadata object.
type ObjectType string

const (
	ObjectTypeJob     ObjectType = "JOB"
	ObjectTypeModel   ObjectType = "MODEL"
	ObjectTypeData    ObjectType = "DATA"
	ObjectTypeSchema  ObjectType = "SCHEMA"
	ObjectTypeStorage ObjectType = "STORAGE"
	ObjectTypeFlow    ObjectType = "FLOW"
	ObjectTypeResult  ObjectType = "RESULT"
)

// TagHeader identifies one specific version of an object and its tag.
// Object versions are append-only; a new version never rewrites an older one.
type TagHeader struct {
	ObjectType    ObjectType `json:"object_type"`
	ObjectID      string     `json:"object_id"`
	ObjectVersion int        `json:"object_version"`
	TagVersion    int        `json:"tag_version"`
}

// Key returns the canonical string form of the header, used for cache
// keys and log correlation.
func (h TagHeader) Key() string {
	return fmt.Sprintf("%s-%s-v%d", h.ObjectType, h.ObjectID, h.ObjectVersion)
}

// ToSelector converts the header into a selector for the exact version.
func (h TagHeader) ToSelector() TagSelector {
	return TagSelector{
		ObjectType:    h.ObjectType,
		ObjectID:      h.ObjectID,
		ObjectVersion: h.ObjectVersion,
		TagVersion:    h.TagVersion,
	}
}

// TagSelector references an object version and tag version, or the latest
// of either when the corresponding Latest flag is set.
type TagSelector struct {
	ObjectType    ObjectType `json:"object_type"`
	ObjectID      string     `json:"object_id"`
	ObjectVersion int        `json:"object_version,omitempty"`
	TagVersion    int        `json:"tag_version,omitempty"`
	LatestObject  bool       `json:"latest_object,omitempty"`
	LatestTag     bool       `json:"latest_tag,omitempty"`
}

// Key returns a stable string form of the selector for resource mapping keys.
func (s TagSelector) Key() string {
	if s.LatestObject {
		return fmt.Sprintf("%s-%s-latest", s.ObjectType, s.ObjectID)
	}
	return fmt.Sprintf("%s-%s-v%d", s.ObjectType, s.ObjectID, s.ObjectVersion)
}

// Tag is one object version plus its attached attributes. The definition
// is nil for preallocated identifiers that have not been written yet.
type Tag struct {
	Header     TagHeader         `json:"header"`
	Definition *ObjectDefinition `json:"definition,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	CreateTime time.Time         `json:"create_time"`
}

// TagUpdateOperation enumerates the supported tag attribute operations.
type TagUpdateOperation string

const (
	TagOpCreateOrReplace TagUpdateOperation = "CREATE_OR_REPLACE"
	TagOpDelete          TagUpdateOperation = "DELETE"
)

// TagUpdate is a single attribute change applied during a tag write.
type TagUpdate struct {
	Operation TagUpdateOperation `json:"operation"`
	Attr      string             `json:"attr"`
	Value     string             `json:"value,omitempty"`
}

// Attr is a convenience constructor for a create-or-replace tag update.
func Attr(name, value string) TagUpdate {
	return TagUpdate{Operation: TagOpCreateOrReplace, Attr: name, Value: value}
}

// ObjectDefinition is the payload of a metadata object. Exactly one of the
// typed definitions is set, matching ObjectType.
type ObjectDefinition struct {
	ObjectType ObjectType         `json:"object_type"`
	Job        *JobDefinition     `json:"job,omitempty"`
	Model      *ModelDefinition   `json:"model,omitempty"`
	Data       *DataDefinition    `json:"data,omitempty"`
	Schema     *SchemaDefinition  `json:"schema,omitempty"`
	Storage    *StorageDefinition `json:"storage,omitempty"`
	Flow       *FlowDefinition    `json:"flow,omitempty"`
	Result     *ResultDefinition  `json:"result,omitempty"`
}

// ModelDefinition describes an importable/runnable model.
type ModelDefinition struct {
	Repository string                    `json:"repository"`
	Version    string                    `json:"version"`
	EntryPoint string                    `json:"entry_point"`
	Parameters map[string]ModelParameter `json:"parameters,omitempty"`
	Inputs     map[string]ModelInput     `json:"inputs,omitempty"`
	Outputs    map[string]ModelOutput    `json:"outputs,omitempty"`
}

// ModelParameter declares a typed model parameter.
type ModelParameter struct {
	Type    string `json:"type"` // STRING, INTEGER, FLOAT, BOOLEAN, DATE
	Default string `json:"default,omitempty"`
}

// ModelInput declares a dataset input with an optional schema reference.
type ModelInput struct {
	Schema   *TagSelector `json:"schema,omitempty"`
	Optional bool         `json:"optional,omitempty"`
}

// ModelOutput declares a dataset output with an optional schema reference.
type ModelOutput struct {
	Schema *TagSelector `json:"schema,omitempty"`
}

// DataDefinition describes a stored dataset version.
type DataDefinition struct {
	Schema    *TagSelector `json:"schema,omitempty"`
	StorageID *TagSelector `json:"storage_id,omitempty"`
	Parts     []string     `json:"parts,omitempty"`
	RowCount  int64        `json:"row_count,omitempty"`
}

// SchemaDefinition describes a tabular schema.
type SchemaDefinition struct {
	Fields []SchemaField `json:"fields"`
}

// SchemaField is one column of a tabular schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Compatible reports whether next can be written as a new version over
// prior: existing fields keep name and type, new fields may be appended.
func (prior *SchemaDefinition) Compatible(next *SchemaDefinition) bool {
	if next == nil || len(next.Fields) < len(prior.Fields) {
		return false
	}
	for i, f := range prior.Fields {
		if next.Fields[i].Name != f.Name || next.Fields[i].Type != f.Type {
			return false
		}
	}
	return true
}

// StorageDefinition binds logical data items to physical storage locations.
type StorageDefinition struct {
	Bucket   string            `json:"bucket,omitempty"`
	Prefix   string            `json:"prefix,omitempty"`
	Items    map[string]string `json:"items,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
}

// FlowDefinition is a DAG of model nodes wired by named sockets.
type FlowDefinition struct {
	Nodes map[string]FlowNode `json:"nodes"`
	Edges []FlowEdge          `json:"edges,omitempty"`
}

// FlowNode is one node of a flow: an input, an output or a model stage.
type FlowNode struct {
	NodeType string       `json:"node_type"` // INPUT, OUTPUT, MODEL
	Model    *TagSelector `json:"model,omitempty"`
}

// FlowEdge wires a source socket to a target socket.
type FlowEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ResultDefinition is the recorded outcome of a job run.
type ResultDefinition struct {
	JobID         TagHeader     `json:"job_id"`
	StatusCode    JobStatusCode `json:"status_code"`
	StatusMessage string        `json:"status_message,omitempty"`
	Outputs       []TagHeader   `json:"outputs,omitempty"`
}

// SearchTerm is a single attribute equality term.
type SearchTerm struct {
	Attr  string `json:"attr"`
	Value string `json:"value"`
}

// SearchParams is the subset of catalog search the orchestrator consumes:
// object type plus AND-combined attribute equality terms.
type SearchParams struct {
	ObjectType ObjectType   `json:"object_type"`
	Terms      []SearchTerm `json:"terms,omitempty"`
}

// WriteOperation is one entry of an atomic metadata batch write.
type WriteOperation struct {
	// CreatePreallocated writes the definition for a previously
	// preallocated header.
	CreatePreallocated *TagHeader        `json:"create_preallocated,omitempty"`
	// UpdateTag applies attribute updates without a new object version.
	UpdateTag          *TagSelector      `json:"update_tag,omitempty"`
	Definition         *ObjectDefinition `json:"definition,omitempty"`
	Attrs              []TagUpdate       `json:"attrs,omitempty"`
}

// WriteBatchRequest is an all-or-nothing multi-operation metadata write.
// Every tag written by the batch carries the same create time.
type WriteBatchRequest struct {
	Operations []WriteOperation `json:"operations"`
}
