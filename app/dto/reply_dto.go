package dto

// ReplyCampaignDTO is the campaign an inbound reply was correlated to
type ReplyCampaignDTO struct {
	CampaignUUID string `json:"campaign_uuid"`
	CampaignName string `json:"campaign_name"`
	MessageUUID  string `json:"message_uuid"`
	SentAt       string `json:"sent_at,omitempty"`
}

// ReplyDTO is the API representation of an inbound reply
type ReplyDTO struct {
	UUID       string            `json:"uuid"`
	FromPhone  string            `json:"from_phone"`
	Body       string            `json:"body"`
	ReceivedAt string            `json:"received_at"`
	Campaign   *ReplyCampaignDTO `json:"campaign,omitempty"`
}

// ListRepliesRequest lists inbound replies, newest first
type ListRepliesRequest struct {
	Phone string `json:"phone"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

// ListRepliesResponse is a page of replies, each with its correlated campaign
type ListRepliesResponse struct {
	Items      []ReplyDTO     `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}
