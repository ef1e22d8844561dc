package notify

import (
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// ClassifyResponse maps a webhook response to a delivery outcome: 2xx
// delivers, 408/429/5xx are worth retrying, any other status is permanent.
func ClassifyResponse(resp *http.Response) triage.DeliveryOutcome {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return triage.Delivered()
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return triage.Failed(true, detail)
	default:
		return triage.Failed(false, detail)
	}
}

// ClassifyError maps a transport error to a retryable failure.
func ClassifyError(err error) triage.DeliveryOutcome {
	return triage.Failed(true, err.Error())
}
