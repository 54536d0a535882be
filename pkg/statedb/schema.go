package statedb

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS packages (
	name          TEXT NOT NULL,
	version       TEXT NOT NULL,
	variant       TEXT NOT NULL DEFAULT '',
	install_date  INTEGER NOT NULL,
	explicit      INTEGER NOT NULL DEFAULT 1,
	build_options TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (name)
);

CREATE TABLE IF NOT EXISTS files (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	package_name TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	FOREIGN KEY (package_name) REFERENCES packages(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dependencies (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	package_name TEXT NOT NULL,
	dep_name     TEXT NOT NULL,
	dep_version  TEXT,
	FOREIGN KEY (package_name) REFERENCES packages(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	pkg_name  TEXT,
	stage     TEXT,
	message   TEXT,
	level     TEXT,
	timestamp INTEGER
);

CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_name);
CREATE INDEX IF NOT EXISTS idx_deps_package ON dependencies(package_name);
CREATE INDEX IF NOT EXISTS idx_deps_dep_name ON dependencies(dep_name);
`
