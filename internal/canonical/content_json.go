package canonical

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders the string form as a JSON string and the multipart
// form as an array of parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.IsMultipart() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	if len(data) > 0 && data[0] == '[' {
		c.Text = ""
		parts := []Part{}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		c.Parts = parts
		return nil
	}
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	return fmt.Errorf("canonical: content must be a string or an array of parts")
}
