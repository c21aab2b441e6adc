package types

// PageIndex is a zero-based logical page number within one memory region.
type PageIndex = uint64

// Height is the round number at which a file was persisted. File names embed
// it so that lexicographic order of names is chronological order of files.
type Height = uint64

// RegionName identifies one memory region of the replicated state.
type RegionName = string

// PageSize is the fixed size of every logical page in bytes.
const PageSize = 4096
