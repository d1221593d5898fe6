package testutil

import "time"

// Request records a bridge request for testing/verification
type Request struct {
	Timestamp time.Time
	Type      string
	Target    string
	FromList  []string
}

// FilterRequests filters requests by type
func FilterRequests(requests []Request, typ string) []Request {
	var filtered []Request
	for _, req := range requests {
		if req.Type == typ {
			filtered = append(filtered, req)
		}
	}
	return filtered
}

// FindRequest finds the most recent request of typ for target
func FindRequest(requests []Request, typ, target string) *Request {
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if req.Type == typ && req.Target == target {
			return &req
		}
	}
	return nil
}
