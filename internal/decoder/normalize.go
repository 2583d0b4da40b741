package decoder

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

var (
	technicalKeywords = []string{"masterpiece", "best quality", "ultra-detailed", "highres", "high resolution", "8k"}
	detailKeywords    = []string{"intricate", "detailed", "realistic", "sharp", "clear"}
)

type apiItem struct {
	ID              flexString        `json:"id"`
	ModelID         flexString        `json:"modelId"`
	ModelVersionID  flexString        `json:"modelVersionId"`
	ModelVersionIDs []flexString      `json:"modelVersionIds"`
	Model           flexString        `json:"model"`
	Stats           *apiStats         `json:"stats"`
	Meta            *apiMeta          `json:"meta"`
	Resources       []json.RawMessage `json:"civitaiResources"`
}

type apiStats struct {
	ReactionCount flexInt `json:"reactionCount"`
	CommentCount  flexInt `json:"commentCount"`
	DownloadCount flexInt `json:"downloadCount"`
}

type apiMeta struct {
	Prompt         flexString        `json:"prompt"`
	NegativePrompt flexString        `json:"negativePrompt"`
	ModelTitle     flexString        `json:"Model"`
	Model          flexString        `json:"model"`
	ModelID        flexString        `json:"ModelId"`
	ModelVersionID flexString        `json:"modelVersionId"`
	Resources      []json.RawMessage `json:"civitaiResources"`
}

type apiResource struct {
	Type           flexString `json:"type"`
	ResourceType   flexString `json:"resourceType"`
	Name           flexString `json:"name"`
	ResourceName   flexString `json:"resourceName"`
	CheckpointName flexString `json:"checkpointName"`
	ModelID        flexString `json:"modelId"`
	Model          flexString `json:"model"`
	ModelVersionID flexString `json:"modelVersionId"`
	ID             flexString `json:"id"`
	ResourceID     flexString `json:"resourceId"`
}

// Normalize extracts an Item from one raw API item. Missing identifiers or prompts
// are not errors here; the dedup filter classifies those as invalid.
func (Decoder) Normalize(raw json.RawMessage, target collector.Target) (collector.Item, error) {
	var in apiItem
	if err := json.Unmarshal(raw, &in); err != nil {
		return collector.Item{}, fmt.Errorf("%w: %v", collector.ErrInvalidItem, err)
	}
	meta := in.Meta
	if meta == nil {
		meta = &apiMeta{}
	}
	stats := in.Stats
	if stats == nil {
		stats = &apiStats{}
	}

	prompt := string(meta.Prompt)
	item := collector.Item{
		ExternalID:     strings.TrimSpace(string(in.ID)),
		Prompt:         prompt,
		NegativePrompt: string(meta.NegativePrompt),
		ModelName:      firstNonEmpty(meta.ModelTitle, meta.Model, in.Model),
		ModelID:        firstNonEmpty(in.ModelID, meta.ModelID),
		ReactionCount:  int(stats.ReactionCount),
		CommentCount:   int(stats.CommentCount),
		DownloadCount:  int(stats.DownloadCount),
		PromptLength:   utf8.RuneCountInString(prompt),
		TagCount:       TagCount(prompt),
		QualityScore:   QualityScore(prompt, int(stats.ReactionCount)),
		Raw:            append(json.RawMessage(nil), raw...),
	}

	resources := meta.Resources
	if len(resources) == 0 {
		resources = in.Resources
	}
	item.Resources = normalizeResources(resources)

	var listed flexString
	if len(in.ModelVersionIDs) > 0 {
		listed = in.ModelVersionIDs[0]
	}
	item.ModelVersionID = firstNonEmpty(in.ModelVersionID, listed, meta.ModelVersionID)
	if item.ModelVersionID == "" {
		item.ModelVersionID = collector.CheckpointVersion(item.Resources)
	}
	if item.ModelVersionID == "" {
		item.ModelVersionID = target.VersionID
	}
	if item.ModelID == "" && target.VersionID == "" {
		item.ModelID = target.EntityID
	}
	return item, nil
}

func normalizeResources(raws []json.RawMessage) []collector.Resource {
	if len(raws) == 0 {
		return nil
	}
	out := make([]collector.Resource, 0, len(raws))
	for idx, raw := range raws {
		var r apiResource
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, collector.Resource{
			Index:          idx,
			Type:           firstNonEmpty(r.Type, r.ResourceType),
			Name:           firstNonEmpty(r.Name, r.ResourceName, r.CheckpointName),
			ModelID:        firstNonEmpty(r.ModelID, r.Model),
			ModelVersionID: firstNonEmpty(r.ModelVersionID, r.ID),
			ResourceID:     firstNonEmpty(r.ID, r.ResourceID),
			Raw:            append(json.RawMessage(nil), raw...),
		})
	}
	return out
}

// TagCount counts the non-empty comma separated tags in a prompt.
func TagCount(prompt string) int {
	n := 0
	for _, tag := range strings.Split(prompt, ",") {
		if strings.TrimSpace(tag) != "" {
			n++
		}
	}
	return n
}

// QualityScore rates a prompt from its keywords, length and reactions.
func QualityScore(prompt string, reactions int) int {
	lower := strings.ToLower(prompt)
	score := 0
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			score += 2
		}
	}
	for _, kw := range detailKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if reactions > 0 {
		score += min(reactions/5, 20)
	}
	if words := len(strings.Fields(prompt)); words >= 15 && words <= 80 {
		score += 3
	}
	return score
}

func firstNonEmpty(values ...flexString) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}
