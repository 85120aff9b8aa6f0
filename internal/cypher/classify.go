package cypher

import "regexp"

// QueryClass flags surface patterns the read-only query endpoint rejects.
type QueryClass struct {
	IsWrite     bool
	IsBulk      bool
	IsAdmin     bool
	IsSchemaDDL bool
}

// Allowed reports whether the query passes the read-only surface check.
func (c QueryClass) Allowed() bool {
	return !c.IsWrite && !c.IsBulk && !c.IsAdmin && !c.IsSchemaDDL
}

var (
	writeRe  = regexp.MustCompile(`(?i)\b(CREATE|MERGE|SET|DELETE|DETACH\s+DELETE|REMOVE)\b`)
	bulkRe   = regexp.MustCompile(`(?i)\b(COPY|LOAD|IMPORT)\b`)
	adminRe  = regexp.MustCompile(`(?i)\b(EXPORT|INSTALL|ATTACH|DETACH\s+DATABASE|USE\s+DATABASE|CHECKPOINT|PRAGMA)\b`)
	schemaRe = regexp.MustCompile(`(?i)\b(CREATE|DROP|ALTER)\s+(NODE\s+)?(REL\s+)?TABLE\b`)
)

// Classify flags write, bulk, admin, and schema-DDL patterns. Schema DDL is
// checked before the generic write pattern so "CREATE NODE TABLE" reports as
// DDL rather than a plain write.
func Classify(query string) QueryClass {
	c := QueryClass{
		IsBulk:      bulkRe.MatchString(query),
		IsAdmin:     adminRe.MatchString(query),
		IsSchemaDDL: schemaRe.MatchString(query),
	}
	if !c.IsSchemaDDL {
		c.IsWrite = writeRe.MatchString(query)
	}
	return c
}
