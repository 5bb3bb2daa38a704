// Package image defines the EC2 resources amisync reads and writes.
package image

// Tags is a normalized key/value view of AWS resource tags.
type Tags map[string]string

// Get returns the tag value and whether the key is present.
func (t Tags) Get(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t[key]
	return v, ok
}

// Matches reports whether the tag key is present with exactly value.
func (t Tags) Matches(key, value string) bool {
	v, ok := t.Get(key)
	return ok && v == value
}

// Instance is an EC2 instance marked for daily snapshots.
type Instance struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Tags  Tags   `json:"tags"`
}

// Image is an AMI owned by the caller.
type Image struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	CreationDate string `json:"creation_date"` // ISO-8601 as returned by EC2
	Tags         Tags   `json:"tags"`
}

// SourceInstance returns the instance the image was snapshotted from,
// as recorded in the tagKey tag.
func (i Image) SourceInstance(tagKey string) (string, bool) {
	v, ok := i.Tags.Get(tagKey)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Template is a launch template and its version pointers.
type Template struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DefaultVersion int64  `json:"default_version"`
	LatestVersion  int64  `json:"latest_version"`
	Tags           Tags   `json:"tags"`
}

// TemplateVersion is one immutable configuration snapshot of a template.
type TemplateVersion struct {
	TemplateID  string `json:"template_id"`
	Number      int64  `json:"number"`
	ImageID     string `json:"image_id"`
	Description string `json:"description"`
}

// Latest returns the image with the greatest CreationDate. Dates are
// compared as strings, which is chronological for EC2's ISO-8601 format.
// On equal dates the image seen first wins.
func Latest(images []Image) (Image, bool) {
	if len(images) == 0 {
		return Image{}, false
	}
	latest := images[0]
	for _, img := range images[1:] {
		if img.CreationDate > latest.CreationDate {
			latest = img
		}
	}
	return latest, true
}

// FromSource returns the images whose tagKey tag equals instanceID.
func FromSource(images []Image, tagKey, instanceID string) []Image {
	var matched []Image
	for _, img := range images {
		if img.Tags.Matches(tagKey, instanceID) {
			matched = append(matched, img)
		}
	}
	return matched
}

// Find returns the image with the given id.
func Find(images []Image, id string) (Image, bool) {
	for _, img := range images {
		if img.ID == id {
			return img, true
		}
	}
	return Image{}, false
}
