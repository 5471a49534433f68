package staysync

import (
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
)

// Drift is the classification of one local/remote pair. An empty IssueType
// means the pair agrees and nothing is recorded.
type Drift struct {
	IssueType      string
	Changes        []string
	RemoteStatus   string
	RemoteCheckIn  *time.Time
	RemoteCheckOut *time.Time
	RemoteGuest    string
}

// Classify compares a local reservation against its remote counterpart.
// Dates compare date-only after normalization; statuses compare after mapping
// the remote vocabulary onto the local one. Dates drift outranks status drift
// outranks guest drift when labeling the issue.
func Classify(local *models.Reservation, remote *RemoteReservation) Drift {
	d := Drift{RemoteStatus: NormalizeStatus(remote.Type)}

	if in, ok := ParseRemoteDate(remote.CheckInRaw()); ok {
		d.RemoteCheckIn = &in
		if !models.DateOnly(local.CheckIn).Equal(in) {
			d.Changes = append(d.Changes, "check_in")
		}
	}
	if out, ok := ParseRemoteDate(remote.CheckOutRaw()); ok {
		d.RemoteCheckOut = &out
		if !models.DateOnly(local.CheckOut).Equal(out) {
			d.Changes = append(d.Changes, "check_out")
		}
	}

	statusChanged := d.RemoteStatus != local.Status
	if statusChanged {
		d.Changes = append(d.Changes, "status")
	}

	d.RemoteGuest = remote.GuestName()
	guestChanged := d.RemoteGuest != "" && local.GuestName != "" && d.RemoteGuest != local.GuestName
	if guestChanged {
		d.Changes = append(d.Changes, "guest_name")
	}

	switch {
	case d.RemoteCheckIn != nil && contains(d.Changes, "check_in"),
		d.RemoteCheckOut != nil && contains(d.Changes, "check_out"):
		d.IssueType = models.IssueTypeDatesChanged
	case statusChanged:
		d.IssueType = models.IssueTypeStatusChanged
	case guestChanged:
		d.IssueType = models.IssueTypeGuestChanged
	}
	return d
}

// BuildPatch produces the minimal column set that brings the local row in line
// with the remote. Only drifted fields are included; updated_at always is.
func BuildPatch(local *models.Reservation, d Drift, now time.Time) map[string]interface{} {
	patch := map[string]interface{}{"updated_at": now}

	for _, change := range d.Changes {
		switch change {
		case "check_in":
			patch["check_in"] = *d.RemoteCheckIn
		case "check_out":
			patch["check_out"] = *d.RemoteCheckOut
		case "status":
			patch["status"] = d.RemoteStatus
			if d.RemoteStatus == models.ReservationStatusCancelled {
				patch["cancelled_at"] = now
				patch["cancellation_reason"] = "Cancelled in channel manager"
			}
		case "guest_name":
			patch["guest_name"] = d.RemoteGuest
		}
	}

	if in, okIn := patch["check_in"].(time.Time); okIn {
		out := models.DateOnly(local.CheckOut)
		if d.RemoteCheckOut != nil {
			out = *d.RemoteCheckOut
		}
		if nights := int(out.Sub(in).Hours() / 24); nights > 0 {
			patch["nights"] = nights
		}
	} else if out, okOut := patch["check_out"].(time.Time); okOut {
		if nights := int(out.Sub(models.DateOnly(local.CheckIn)).Hours() / 24); nights > 0 {
			patch["nights"] = nights
		}
	}
	return patch
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
