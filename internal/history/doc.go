// Package history records finished upload runs in a SQLite database so past
// runs can be listed without trawling report files.
package history
