package document

import (
	"io"
	"time"

	"dealflow/errs"
)

// Category groups documents within a deal.
type Category string

const (
	CategoryContract       Category = "contract"
	CategoryDisclosure     Category = "disclosure"
	CategoryInspection     Category = "inspection"
	CategoryFinancial      Category = "financial"
	CategoryCorrespondence Category = "correspondence"
	CategoryOther          Category = "other"
)

// CategoryInfo is a category with its display label.
type CategoryInfo struct {
	Value Category
	Label string
}

var categories = []CategoryInfo{
	{CategoryContract, "Contracts"},
	{CategoryDisclosure, "Disclosures"},
	{CategoryInspection, "Inspection Reports"},
	{CategoryFinancial, "Financial Documents"},
	{CategoryCorrespondence, "Correspondence"},
	{CategoryOther, "Other"},
}

// Categories returns the fixed category list in display order.
func Categories() []CategoryInfo {
	out := make([]CategoryInfo, len(categories))
	copy(out, categories)
	return out
}

func (c Category) Valid() bool {
	for _, info := range categories {
		if info.Value == c {
			return true
		}
	}
	return false
}

// AccessType is how a document was served.
type AccessType string

const (
	AccessView     AccessType = "view"
	AccessDownload AccessType = "download"
)

var (
	ErrNotFound        = errs.New(errs.NotFound, "document not found")
	ErrFileNotFound    = errs.New(errs.NotFound, "File not found")
	ErrAccessDenied    = errs.New(errs.Forbidden, "access denied")
	ErrAgentRequired   = errs.New(errs.Forbidden, "only agents can manage documents")
	ErrInvalidCategory = errs.New(errs.Invalid, "invalid document category")
	ErrNameRequired    = errs.New(errs.Invalid, "file name is required")
	ErrInvalidSize     = errs.New(errs.Invalid, "file size must not be negative")
	ErrUploadMissing   = errs.New(errs.Invalid, "uploaded file not found")

	// Redemption failures. The message is returned verbatim by the edge route.
	ErrTokenInvalid  = errs.New(errs.Forbidden, "Invalid token")
	ErrTokenExpired  = errs.New(errs.Forbidden, "Token expired")
	ErrTokenUsed     = errs.New(errs.Forbidden, "Token already used")
	ErrTokenMismatch = errs.New(errs.Forbidden, "Token does not match document")
)

// Document mirrors a documents row plus the uploader's display fields.
type Document struct {
	ID              string
	DealID          string
	StorageID       string
	FileName        string
	FileType        string
	FileSize        int64
	Category        Category
	UploadedBy      string
	UploadedByName  string
	UploadedByEmail string
	UploadedAt      time.Time
	RevisionID      *string
	Metadata        map[string]any
	IsDeleted       bool
	DeletedAt       *time.Time
}

// SaveInput describes an uploaded file to attach to a deal.
type SaveInput struct {
	DealID    string
	StorageID string
	FileName  string
	FileType  string
	FileSize  int64
	Category  Category
	Metadata  map[string]any
}

// UploadURL is a reserved storage slot and the ticket URL to fill it.
type UploadURL struct {
	StorageID string
	URL       string
	ExpiresAt time.Time
}

// Stats summarises a deal's stored documents.
type Stats struct {
	TotalDocuments      int
	TotalSize           int64
	SizeInMB            float64
	DocumentsByCategory map[Category]int
	LastUpload          *time.Time
}

// AccessLog is one audit row.
type AccessLog struct {
	ID         int64
	DocumentID string
	UserID     string
	UserName   string
	UserEmail  string
	AccessType AccessType
	AccessedAt time.Time
}

// IssuedToken is handed to the caller after a successful authorization check.
type IssuedToken struct {
	URL         string
	DownloadURL string
	ExpiresAt   time.Time
	SessionID   string
}

// Served is a redeemed document ready to stream. Body must be closed.
type Served struct {
	FileName string
	FileType string
	Size     int64
	Body     io.ReadCloser
}
