package bridge

import (
	"fmt"
)

// Contact is a bridge-known node's advertised address, as returned by
// GET /contacts and GET /contacts/:nodeid.
type Contact struct {
	NodeID    string `json:"nodeID"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	LastSeen  string `json:"lastSeen"`
	Protocol  string `json:"protocol"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Contacts lists every contact the bridge currently knows about.
func (c *Client) Contacts() ([]Contact, error) {
	var out []Contact
	if err := c.do("GET", "/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Contact fetches a single contact by NodeID.
func (c *Client) Contact(nodeID string) (Contact, error) {
	var out Contact
	if err := c.do("GET", "/contacts/"+nodeID, nil, &out); err != nil {
		return Contact{}, err
	}
	return out, nil
}

// CreateUserRequest registers a new bridge account.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateUser registers req with the bridge.
func (c *Client) CreateUser(req CreateUserRequest) error {
	return c.do("POST", "/users", req, nil)
}

// Key is a public key registered against the authenticated account,
// used by the bridge to authorize subsequent signature-based requests.
type Key struct {
	ID        string `json:"id,omitempty"`
	PublicKey string `json:"key"`
}

// Keys lists the public keys registered to the authenticated account.
func (c *Client) Keys() ([]Key, error) {
	var out []Key
	if err := c.do("GET", "/keys", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddKey registers a new public key against the authenticated account.
func (c *Client) AddKey(key Key) error {
	return c.do("POST", "/keys", key, nil)
}

// DeleteKey revokes a previously registered public key.
func (c *Client) DeleteKey(id string) error {
	return c.do("DELETE", "/keys/"+id, nil, nil)
}

// Bucket is a named container for files the renter has uploaded.
type Bucket struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Storage int64  `json:"storage,omitempty"`
	Transfer int64 `json:"transfer,omitempty"`
}

// Buckets lists every bucket owned by the authenticated account.
func (c *Client) Buckets() ([]Bucket, error) {
	var out []Bucket
	if err := c.do("GET", "/buckets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bucket fetches a single bucket by id.
func (c *Client) Bucket(id string) (Bucket, error) {
	var out Bucket
	if err := c.do("GET", "/buckets/"+id, nil, &out); err != nil {
		return Bucket{}, err
	}
	return out, nil
}

// CreateBucket creates a new bucket.
func (c *Client) CreateBucket(b Bucket) (Bucket, error) {
	var out Bucket
	if err := c.do("POST", "/buckets", b, &out); err != nil {
		return Bucket{}, err
	}
	return out, nil
}

// UpdateBucket patches an existing bucket's fields.
func (c *Client) UpdateBucket(id string, b Bucket) error {
	return c.do("PATCH", "/buckets/"+id, b, nil)
}

// DeleteBucket removes a bucket and its file entries.
func (c *Client) DeleteBucket(id string) error {
	return c.do("DELETE", "/buckets/"+id, nil, nil)
}

// TokenOperation selects what a bucket token is good for.
type TokenOperation string

const (
	TokenPush TokenOperation = "PUSH"
	TokenPull TokenOperation = "PULL"
)

// BucketToken is a bridge-issued authorization to push or pull a file
// within a bucket, distinct from the data channel's own per-shard
// tokens - this one authorizes the bridge-facing upload/download flow,
// not a shard transfer with a farmer directly.
type BucketToken struct {
	Token     string         `json:"token"`
	Operation TokenOperation `json:"operation"`
	ExpiresAt string         `json:"expiresAt,omitempty"`
}

// RequestBucketToken asks the bridge for a token authorizing op against
// bucket id.
func (c *Client) RequestBucketToken(id string, op TokenOperation) (BucketToken, error) {
	var out BucketToken
	req := struct {
		Operation TokenOperation `json:"operation"`
	}{Operation: op}
	if err := c.do("POST", "/buckets/"+id+"/tokens", req, &out); err != nil {
		return BucketToken{}, err
	}
	return out, nil
}

// MirrorRequest asks the bridge to schedule an additional mirror of the
// named file's shards onto a fresh set of farmers.
type MirrorRequest struct {
	File string `json:"file"`
}

// RequestMirror schedules a mirror for a file within bucket id.
func (c *Client) RequestMirror(id string, req MirrorRequest) error {
	return c.do("POST", "/buckets/"+id+"/mirrors", req, nil)
}

// File is a finalized file entry within a bucket: a name, its frame,
// and the erasure/audit metadata the bridge tracked while the frame was
// being assembled.
type File struct {
	ID      string `json:"id,omitempty"`
	Bucket  string `json:"bucket"`
	Frame   string `json:"frame"`
	Name    string `json:"filename"`
	Size    int64  `json:"size"`
	Mimetype string `json:"mimetype,omitempty"`
}

// Files lists every finalized file in bucket id.
func (c *Client) Files(bucketID string) ([]File, error) {
	var out []File
	if err := c.do("GET", "/buckets/"+bucketID+"/files", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// File fetches a single finalized file by name within bucket id.
func (c *Client) File(bucketID, filename string) (File, error) {
	var out File
	if err := c.do("GET", "/buckets/"+bucketID+"/files/"+filename, nil, &out); err != nil {
		return File{}, err
	}
	return out, nil
}

// Shard is a single erasure-coded piece of a file, recorded against a
// frame before the file entry it belongs to is finalized.
type Shard struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Index     int    `json:"index"`
	Challenges int   `json:"challenges,omitempty"`
}

// Frame groups the shard metadata records the renter accumulates while
// preparing a single file for upload, prior to finalizing it into a
// bucket file entry.
type Frame struct {
	ID     string  `json:"id,omitempty"`
	Shards []Shard `json:"shards,omitempty"`
}

// Frames lists the authenticated account's in-progress frames.
func (c *Client) Frames() ([]Frame, error) {
	var out []Frame
	if err := c.do("GET", "/frames", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFrame starts a new, empty frame.
func (c *Client) CreateFrame() (Frame, error) {
	var out Frame
	if err := c.do("POST", "/frames", nil, &out); err != nil {
		return Frame{}, err
	}
	return out, nil
}

// Frame fetches a single frame by id.
func (c *Client) Frame(id string) (Frame, error) {
	var out Frame
	if err := c.do("GET", "/frames/"+id, nil, &out); err != nil {
		return Frame{}, err
	}
	return out, nil
}

// DeleteFrame discards an in-progress frame.
func (c *Client) DeleteFrame(id string) error {
	return c.do("DELETE", "/frames/"+id, nil, nil)
}

// AddShard records shard metadata against frame id (PUT /frames/:id),
// retrying through c.Retry since this is the specific call the
// bridge-client-retries design note calls out as needing a general
// combinator instead of a single hand-rolled loop.
func (c *Client) AddShard(frameID string, shard Shard) error {
	return c.do("PUT", fmt.Sprintf("/frames/%s", frameID), shard, nil)
}
