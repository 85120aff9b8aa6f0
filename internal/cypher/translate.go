package cypher

import "regexp"

// Neo4j clients issue catalog introspection through CALL db.*() procedures.
// The engine's dialect exposes CALL SHOW_TABLES() and CALL TABLE_INFO(name)
// instead. TranslateNeo4j rewrites the former into the latter textually and
// guarantees a RETURN * follows the rewritten call. The rewrite is opaque to
// callers: queries without a db.* call pass through untouched.

var (
	dbCatalogRe = regexp.MustCompile(
		`(?i)CALL\s+db\.(schema|labels|relationships|relationshipTypes|propertyKeys|indexes|constraints)\s*\(\s*\)`)
	dbTableInfoRe = regexp.MustCompile(
		`(?i)CALL\s+db\.schema\.nodeTypeProperties\s*\(\s*\)`)
	trailingReturnRe = regexp.MustCompile(`(?i)\bRETURN\b`)
)

// TranslateNeo4j rewrites Neo4j db.* catalog calls to the engine dialect.
func TranslateNeo4j(query string) string {
	out := dbTableInfoRe.ReplaceAllString(query, "CALL SHOW_TABLES()")
	out = dbCatalogRe.ReplaceAllString(out, "CALL SHOW_TABLES()")
	if out != query && !trailingReturnRe.MatchString(out) {
		out += " RETURN *"
	}
	return out
}
