package models

// Encoding identifies one of the two generated photo encodings.
type Encoding string

const (
	EncodingWebP Encoding = "webp"
	EncodingJPEG Encoding = "jpeg"
)

// Ext returns the file extension for the encoding.
func (e Encoding) Ext() string {
	if e == EncodingWebP {
		return ".webp"
	}
	return ".jpg"
}

// Variant is one resized encoding of a photo.
type Variant struct {
	Width    int      `db:"width" json:"width"`
	Height   int      `db:"height" json:"height"`
	Encoding Encoding `db:"encoding" json:"encoding"`
	Data     []byte   `json:"-"`
}

// AssetSet is the complete collection of variants for one photo.
// It is complete only when every configured (width, encoding) pair is present;
// partial sets are never published.
type AssetSet struct {
	PhotoIdx int       `json:"photo_idx"`
	Variants []Variant `json:"variants"`
}

// VariantRecord is the persisted index entry for one active variant file.
type VariantRecord struct {
	PlaceID   string   `db:"place_id" json:"place_id"`
	PhotoIdx  int      `db:"photo_idx" json:"photo_idx"`
	Width     int      `db:"width" json:"width"`
	Height    int      `db:"height" json:"height"`
	Encoding  Encoding `db:"encoding" json:"encoding"`
	RelPath   string   `db:"rel_path" json:"-"`
	SizeBytes int64    `db:"size_bytes" json:"size_bytes"`
}

// TableName returns the table name for VariantRecord.
func (VariantRecord) TableName() string {
	return "photo_variants"
}
