package repository

import (
	"context"
	"fmt"
	"strings"
)

// Property is one sampled column of a node table.
type Property struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaInfo is the runtime introspection result for a graph.
type SchemaInfo struct {
	NodeLabels        []string              `json:"node_labels"`
	RelationshipTypes []string              `json:"relationship_types"`
	NodeProperties    map[string][]Property `json:"node_properties"`
}

// IntrospectSchema derives SchemaInfo from the engine catalog. SHOW_TABLES
// yields (name, type) rows where type is NODE or REL; TABLE_INFO yields
// per-table property rows.
func IntrospectSchema(ctx context.Context, repo Repository) (*SchemaInfo, error) {
	tables, err := repo.ExecuteQuery(ctx, "CALL SHOW_TABLES() RETURN *", nil)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	nameIdx, typeIdx := columnIndex(tables.Columns, "name"), columnIndex(tables.Columns, "type")
	info := &SchemaInfo{NodeProperties: make(map[string][]Property)}

	for _, row := range tables.Rows {
		name, ok := stringAt(row, nameIdx)
		if !ok {
			continue
		}
		kind, _ := stringAt(row, typeIdx)
		switch strings.ToUpper(kind) {
		case "REL", "REL_TABLE":
			info.RelationshipTypes = append(info.RelationshipTypes, name)
			continue
		}
		info.NodeLabels = append(info.NodeLabels, name)

		props, err := repo.ExecuteQuery(ctx,
			fmt.Sprintf("CALL TABLE_INFO('%s') RETURN *", name), nil)
		if err != nil {
			// A table that cannot be described still counts as a label.
			continue
		}
		pName, pType := columnIndex(props.Columns, "name"), columnIndex(props.Columns, "type")
		for _, prow := range props.Rows {
			n, ok := stringAt(prow, pName)
			if !ok {
				continue
			}
			tpe, _ := stringAt(prow, pType)
			info.NodeProperties[name] = append(info.NodeProperties[name], Property{Name: n, Type: tpe})
		}
	}
	return info, nil
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func stringAt(row []any, idx int) (string, bool) {
	if idx < 0 || idx >= len(row) {
		return "", false
	}
	s, ok := row[idx].(string)
	return s, ok
}
