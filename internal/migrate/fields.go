package migrate

import (
	"context"
	"sort"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// FieldRef names a field by reference name and display name.
type FieldRef struct {
	ReferenceName string `json:"reference_name" yaml:"reference_name"`
	Name          string `json:"name" yaml:"name"`
}

// FieldDiff compares the fields of one work item type across projects.
type FieldDiff struct {
	Type        string     `json:"type" yaml:"type"`
	SourceCount int        `json:"source_count" yaml:"source_count"`
	TargetCount int        `json:"target_count" yaml:"target_count"`
	OnlySource  []FieldRef `json:"only_source" yaml:"only_source"`
	OnlyTarget  []FieldRef `json:"only_target" yaml:"only_target"`
	Common      []string   `json:"common" yaml:"common"`
}

// TypeFields returns reference name -> display name for a work item type.
// Fields without a reference name are ignored; a missing display name falls
// back to the reference name.
func TypeFields(ctx context.Context, client *azuredevops.Client, typeName string) (map[string]string, error) {
	wit, err := client.GetWorkItemType(ctx, typeName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(wit.Fields))
	for _, f := range wit.Fields {
		if f.ReferenceName == "" {
			continue
		}
		name := f.Name
		if name == "" {
			name = f.ReferenceName
		}
		out[f.ReferenceName] = name
	}
	return out, nil
}

// DiffFields computes the sorted set differences of two field maps.
func DiffFields(typeName string, source, target map[string]string) *FieldDiff {
	d := &FieldDiff{
		Type:        typeName,
		SourceCount: len(source),
		TargetCount: len(target),
		OnlySource:  []FieldRef{},
		OnlyTarget:  []FieldRef{},
		Common:      []string{},
	}
	for ref, name := range source {
		if _, ok := target[ref]; ok {
			d.Common = append(d.Common, ref)
			continue
		}
		d.OnlySource = append(d.OnlySource, FieldRef{ReferenceName: ref, Name: name})
	}
	for ref, name := range target {
		if _, ok := source[ref]; !ok {
			d.OnlyTarget = append(d.OnlyTarget, FieldRef{ReferenceName: ref, Name: name})
		}
	}
	sort.Strings(d.Common)
	sort.Slice(d.OnlySource, func(i, j int) bool { return d.OnlySource[i].ReferenceName < d.OnlySource[j].ReferenceName })
	sort.Slice(d.OnlyTarget, func(i, j int) bool { return d.OnlyTarget[i].ReferenceName < d.OnlyTarget[j].ReferenceName })
	return d
}

// CompareTypeFields reads typeName on both sides and diffs the field sets.
func CompareTypeFields(ctx context.Context, source, target *azuredevops.Client, typeName string) (*FieldDiff, error) {
	sf, err := TypeFields(ctx, source, typeName)
	if err != nil {
		return nil, err
	}
	tf, err := TypeFields(ctx, target, typeName)
	if err != nil {
		return nil, err
	}
	return DiffFields(typeName, sf, tf), nil
}
