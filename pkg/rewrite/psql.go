package rewrite

import "regexp"

// psql's introspection meta-commands (\l, \dt, \dn, \di, \d) expand into
// pg_catalog queries that Cloud Spanner cannot serve. When psql
// compatibility is on, these built-in rules run before any user rules and
// map each meta-command query onto INFORMATION_SCHEMA.

func mustRule(pattern, replacement string) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Replacement: replacement}
}

// PsqlRules returns the built-in translation set for the psql client.
func PsqlRules() Rules {
	return Rules{
		// \l — list databases.
		mustRule(`(?s)^SELECT d\.datname as "Name",.*FROM pg_catalog\.pg_database d.*$`,
			`SELECT catalog_name AS "Name", '' AS "Owner", 'UTF8' AS "Encoding" FROM information_schema.information_schema_catalog_name`),
		// \dn — list schemas.
		mustRule(`(?s)^SELECT n\.nspname AS "Name",.*FROM pg_catalog\.pg_namespace n.*$`,
			`SELECT schema_name AS "Name", '' AS "Owner" FROM information_schema.schemata ORDER BY schema_name`),
		// \di — list indexes.
		mustRule(`(?s)^SELECT n\.nspname as "Schema",\s*c\.relname as "Name",.*WHERE c\.relkind IN \('i',.*$`,
			`SELECT table_schema AS "Schema", index_name AS "Name", 'index' AS "Type", '' AS "Owner", table_name AS "Table" FROM information_schema.indexes WHERE table_schema NOT IN ('INFORMATION_SCHEMA', 'SPANNER_SYS') ORDER BY index_name`),
		// \dt — list tables.
		mustRule(`(?s)^SELECT n\.nspname as "Schema",\s*c\.relname as "Name",.*WHERE c\.relkind IN \('r',.*$`,
			`SELECT table_schema AS "Schema", table_name AS "Name", 'table' AS "Type", '' AS "Owner" FROM information_schema.tables WHERE table_schema NOT IN ('INFORMATION_SCHEMA', 'SPANNER_SYS') ORDER BY table_name`),
		// \d <table> — column listing.
		mustRule(`(?s)^SELECT a\.attname,\s*pg_catalog\.format_type\(a\.atttypid, a\.atttypmod\),.*FROM pg_catalog\.pg_attribute a.*$`,
			`SELECT column_name AS attname, spanner_type AS format_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`),
		// \d — bare relation listing.
		mustRule(`(?s)^SELECT c\.oid,\s*n\.nspname,\s*c\.relname\s+FROM pg_catalog\.pg_class c.*$`,
			`SELECT table_name AS relname FROM information_schema.tables WHERE table_schema NOT IN ('INFORMATION_SCHEMA', 'SPANNER_SYS') ORDER BY table_name`),
	}
}
