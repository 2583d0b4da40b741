package collector

import (
	"encoding/json"
	"strings"
)

// MergeItem combines a stored record with a newly fetched copy of the same item.
// Non-empty incoming values replace stored ones; blank or zero incoming values never
// erase what is already stored. The stored model version wins when present.
func MergeItem(existing, incoming Item) Item {
	merged := existing
	if merged.ExternalID == "" {
		merged.ExternalID = incoming.ExternalID
	}
	merged.Prompt = preferString(incoming.Prompt, existing.Prompt)
	merged.NegativePrompt = preferString(incoming.NegativePrompt, existing.NegativePrompt)
	merged.ModelName = preferString(incoming.ModelName, existing.ModelName)
	merged.ModelID = preferString(incoming.ModelID, existing.ModelID)

	merged.ModelVersionID = existing.ModelVersionID
	if strings.TrimSpace(merged.ModelVersionID) == "" {
		merged.ModelVersionID = incoming.ModelVersionID
	}
	if strings.TrimSpace(merged.ModelVersionID) == "" {
		merged.ModelVersionID = CheckpointVersion(incoming.Resources)
	}
	if strings.TrimSpace(merged.ModelVersionID) == "" {
		merged.ModelVersionID = versionFromRaw(incoming.Raw)
	}

	merged.ReactionCount = preferInt(incoming.ReactionCount, existing.ReactionCount)
	merged.CommentCount = preferInt(incoming.CommentCount, existing.CommentCount)
	merged.DownloadCount = preferInt(incoming.DownloadCount, existing.DownloadCount)
	merged.PromptLength = preferInt(incoming.PromptLength, existing.PromptLength)
	merged.TagCount = preferInt(incoming.TagCount, existing.TagCount)
	merged.QualityScore = preferInt(incoming.QualityScore, existing.QualityScore)

	if len(incoming.Resources) > 0 {
		merged.Resources = append([]Resource(nil), incoming.Resources...)
	}
	if len(incoming.Raw) > 0 && string(incoming.Raw) != "null" {
		merged.Raw = append(json.RawMessage(nil), incoming.Raw...)
	}
	if merged.CollectedAt.IsZero() {
		merged.CollectedAt = incoming.CollectedAt
	}
	return merged
}

// CheckpointVersion returns the model version of the first checkpoint resource.
func CheckpointVersion(resources []Resource) string {
	for _, r := range resources {
		if strings.EqualFold(r.Type, "checkpoint") && r.ModelVersionID != "" {
			return r.ModelVersionID
		}
	}
	return ""
}

func versionFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload struct {
		ModelVersionID json.Number `json:"modelVersionId"`
		Meta           struct {
			Resources []struct {
				Type           string      `json:"type"`
				ModelVersionID json.Number `json:"modelVersionId"`
			} `json:"civitaiResources"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if v := payload.ModelVersionID.String(); v != "" {
		return v
	}
	for _, r := range payload.Meta.Resources {
		if strings.EqualFold(r.Type, "checkpoint") && r.ModelVersionID.String() != "" {
			return r.ModelVersionID.String()
		}
	}
	return ""
}

func preferString(incoming, existing string) string {
	if strings.TrimSpace(incoming) != "" {
		return incoming
	}
	return existing
}

func preferInt(incoming, existing int) int {
	if incoming != 0 {
		return incoming
	}
	return existing
}
