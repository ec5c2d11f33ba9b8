// Package domain defines the entities shared across collabtext: documents
// as seen by the sync engine, collaborator permissions, and the error
// taxonomy every layer reports with.
//
// It only imports the standard library. Other packages depend on domain,
// never the reverse.
package domain
