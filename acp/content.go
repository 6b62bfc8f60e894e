package acp

import (
	"encoding/json"

	"github.com/m4xw311/agentdeck/errors"
)

// Content block discriminator values.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResourceLink = "resource_link"
	ContentResource     = "resource"
)

// Annotations are passed through untouched.
type Annotations = json.RawMessage

type TextContent struct {
	Type        string      `json:"type"`
	Text        string      `json:"text"`
	Annotations Annotations `json:"annotations,omitempty"`
}

type ImageContent struct {
	Type        string      `json:"type"`
	Data        string      `json:"data"`
	MimeType    string      `json:"mimeType"`
	URI         string      `json:"uri,omitempty"`
	Annotations Annotations `json:"annotations,omitempty"`
}

type AudioContent struct {
	Type        string      `json:"type"`
	Data        string      `json:"data"`
	MimeType    string      `json:"mimeType"`
	Annotations Annotations `json:"annotations,omitempty"`
}

type ResourceLink struct {
	Type        string      `json:"type"`
	URI         string      `json:"uri"`
	Name        string      `json:"name"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	Size        *int64      `json:"size,omitempty"`
	Annotations Annotations `json:"annotations,omitempty"`
}

// ResourceContents is either text or blob contents of an embedded resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type EmbeddedResource struct {
	Type        string           `json:"type"`
	Resource    ResourceContents `json:"resource"`
	Annotations Annotations      `json:"annotations,omitempty"`
}

// ContentBlock is displayable content: prompt input, streamed message
// chunks and tool call output. Blocks with an unrecognized type keep their
// raw JSON so they survive a round trip.
type ContentBlock struct {
	discriminator string
	text          *TextContent
	image         *ImageContent
	audio         *AudioContent
	resourceLink  *ResourceLink
	resource      *EmbeddedResource
	raw           json.RawMessage
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{discriminator: ContentText, text: &TextContent{Type: ContentText, Text: text}}
}

// ImageBlock returns a base64 image content block.
func ImageBlock(data, mimeType string) ContentBlock {
	return ContentBlock{discriminator: ContentImage, image: &ImageContent{Type: ContentImage, Data: data, MimeType: mimeType}}
}

// ResourceLinkBlock returns a reference to a resource the agent can fetch.
func ResourceLinkBlock(name, uri string) ContentBlock {
	return ContentBlock{discriminator: ContentResourceLink, resourceLink: &ResourceLink{Type: ContentResourceLink, Name: name, URI: uri}}
}

// ResourceBlock embeds text resource contents inline.
func ResourceBlock(uri, mimeType, text string) ContentBlock {
	return ContentBlock{discriminator: ContentResource, resource: &EmbeddedResource{
		Type:     ContentResource,
		Resource: ResourceContents{URI: uri, MimeType: mimeType, Text: text},
	}}
}

// Type returns the block's discriminator, or "" for the zero value.
func (c ContentBlock) Type() string { return c.discriminator }

func (c ContentBlock) IsText() bool { return c.text != nil }
func (c ContentBlock) GetText() *TextContent { return c.text }
func (c ContentBlock) GetImage() *ImageContent { return c.image }
func (c ContentBlock) GetAudio() *AudioContent { return c.audio }
func (c ContentBlock) GetLink() *ResourceLink { return c.resourceLink }
func (c ContentBlock) GetResource() *EmbeddedResource { return c.resource }

// PlainText renders the block as text for display and transcripts.
func (c ContentBlock) PlainText() string {
	switch {
	case c.text != nil:
		return c.text.Text
	case c.resourceLink != nil:
		return c.resourceLink.URI
	case c.resource != nil:
		if c.resource.Resource.Text != "" {
			return c.resource.Resource.Text
		}
		return c.resource.Resource.URI
	case c.image != nil:
		return "[image " + c.image.MimeType + "]"
	case c.audio != nil:
		return "[audio " + c.audio.MimeType + "]"
	}
	return ""
}

func (c ContentBlock) MarshalJSON() ([]byte, error) {
	switch c.discriminator {
	case ContentText:
		v := *c.text
		v.Type = ContentText
		return json.Marshal(v)
	case ContentImage:
		v := *c.image
		v.Type = ContentImage
		return json.Marshal(v)
	case ContentAudio:
		v := *c.audio
		v.Type = ContentAudio
		return json.Marshal(v)
	case ContentResourceLink:
		v := *c.resourceLink
		v.Type = ContentResourceLink
		return json.Marshal(v)
	case ContentResource:
		v := *c.resource
		v.Type = ContentResource
		return json.Marshal(v)
	}
	if c.raw != nil {
		return c.raw, nil
	}
	return nil, errors.New("no variant is set for ContentBlock")
}

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}
	*c = ContentBlock{discriminator: discriminator.Type}
	switch discriminator.Type {
	case ContentText:
		c.text = &TextContent{}
		return json.Unmarshal(data, c.text)
	case ContentImage:
		c.image = &ImageContent{}
		return json.Unmarshal(data, c.image)
	case ContentAudio:
		c.audio = &AudioContent{}
		return json.Unmarshal(data, c.audio)
	case ContentResourceLink:
		c.resourceLink = &ResourceLink{}
		return json.Unmarshal(data, c.resourceLink)
	case ContentResource:
		c.resource = &EmbeddedResource{}
		return json.Unmarshal(data, c.resource)
	case "":
		return errors.New("content block without type")
	}
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}
