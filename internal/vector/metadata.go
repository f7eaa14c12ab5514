package vector

import "context"

// Metadata keys shared by every projected document. Values are strings;
// chromem filters are string-equality only.
const (
	MetaSessionID   = "session_id"
	MetaMemoryType  = "memory_type"
	MetaStatus      = "status"
	MetaImportance  = "importance"
	MetaFilePath    = "file_path"
	MetaTags        = "tags"
	MetaProjectRoot = "project_root"
	MetaCreatedAt   = "created_at"
	MetaArchived    = "archived"
)

// Archive flags documents as archived without removing them from the index.
// Archived documents are filtered out of retrieval by callers, not deleted;
// the relational rows they project stay untouched.
func (s *Store) Archive(ctx context.Context, collection string, ids ...string) (int, error) {
	archived := 0
	for _, id := range ids {
		err := s.SetMetadata(ctx, collection, id, func(meta map[string]string) map[string]string {
			meta[MetaArchived] = "true"
			return meta
		})
		if err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}
