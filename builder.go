package builder

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

// a single source file in a workspace
// `FileName` is path-like and unique within the workspace
// `Id` is immutable once assigned
type File struct {
	Id        Id        `json:"id"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	Content   string    `json:"content"`
	SizeBytes ByteCount `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ordered collection of files owned by one workspace
type WorkspaceFileSet struct {
	WorkspaceId Id      `json:"workspace_id"`
	Files       []*File `json:"files"`
}

func (self *WorkspaceFileSet) FileById(fileId Id) *File {
	for _, file := range self.Files {
		if file.Id == fileId {
			return file
		}
	}
	return nil
}

func (self *WorkspaceFileSet) FileByName(fileName string) *File {
	for _, file := range self.Files {
		if file.FileName == fileName {
			return file
		}
	}
	return nil
}

func (self *WorkspaceFileSet) Copy() *WorkspaceFileSet {
	files := make([]*File, len(self.Files))
	for i, file := range self.Files {
		fileCopy := *file
		files[i] = &fileCopy
	}
	return &WorkspaceFileSet{
		WorkspaceId: self.WorkspaceId,
		Files:       files,
	}
}

// one cached copy of a workspace file set in one tier
// `Version` increments on every mutation applied to the entry
type CacheEntry struct {
	WorkspaceId Id                   `json:"workspace_id"`
	Files       *WorkspaceFileSet    `json:"files"`
	Pages       []*Page              `json:"pages,omitempty"`
	Components  []*ComponentInstance `json:"components,omitempty"`
	LastUpdated time.Time            `json:"last_updated"`
	Version     int64                `json:"version"`
}

func (self *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(self.LastUpdated)
}

// a surgical edit. exactly the first literal occurrence of `OldString`
// in the target file content is replaced by `NewString`
type LightChange struct {
	FileId    Id     `json:"file_id"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
	LineHint  int    `json:"line_hint,omitempty"`
}

type LightChangeResult struct {
	Applied  bool   `json:"applied"`
	FileName string `json:"file_name,omitempty"`
}

type Page struct {
	Id              Id     `json:"id"`
	WorkspaceId     Id     `json:"workspace_id"`
	Route           string `json:"route"`
	Title           string `json:"title"`
	MetaDescription string `json:"meta_description,omitempty"`
	CustomCss       string `json:"custom_css,omitempty"`
	CustomJs        string `json:"custom_js,omitempty"`
	IsHomePage      bool   `json:"is_home_page"`
}

// a positioned component on a page. owned by the page
type ComponentInstance struct {
	Id              Id             `json:"id"`
	ComponentTypeId Id             `json:"component_type_id"`
	PageId          Id             `json:"page_id"`
	X               int            `json:"x"`
	Y               int            `json:"y"`
	Width           int            `json:"width"`
	Height          int            `json:"height"`
	ZIndex          int            `json:"z_index"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// immutable within one registry cache window
type ComponentType struct {
	Id                Id                          `json:"id"`
	Name              string                      `json:"name"`
	Category          string                      `json:"category"`
	Parameters        map[string]*ParameterSchema `json:"parameters,omitempty"`
	DefaultParameters map[string]any              `json:"default_parameters,omitempty"`
	HtmlTemplate      string                      `json:"html_template"`
	CssTemplate       string                      `json:"css_template,omitempty"`
	JsTemplate        string                      `json:"js_template,omitempty"`
	LoadingPriority   int                         `json:"loading_priority"`
	DefaultWidth      int                         `json:"default_width,omitempty"`
	DefaultHeight     int                         `json:"default_height,omitempty"`
}

// sync message type tags
const (
	SyncMessageFileUpdated      = "file_updated"
	SyncMessageComponentAdded   = "component_added"
	SyncMessageComponentMoved   = "component_moved"
	SyncMessagePageUpdated      = "page_updated"
	SyncMessageBulkFilesUpdated = "bulk_files_updated"
)

// one frame on the sync channel. `Type` selects which optional
// payload fields are meaningful. unknown types are ignored by receivers
type SyncMessage struct {
	Type        string `json:"type"`
	WorkspaceId Id     `json:"workspace_id"`

	FileId  *Id    `json:"file_id,omitempty"`
	Content string `json:"content,omitempty"`

	Component *ComponentInstance `json:"component,omitempty"`

	ComponentId *Id  `json:"component_id,omitempty"`
	X           *int `json:"x,omitempty"`
	Y           *int `json:"y,omitempty"`

	PageId      *Id            `json:"page_id,omitempty"`
	PageChanges map[string]any `json:"page_changes,omitempty"`

	Files []*File `json:"files,omitempty"`
}

func (self *SyncMessage) String() string {
	b, _ := json.Marshal(self)
	return string(b)
}

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrRemoteUnavailable = errors.New("remote unavailable")
var ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
