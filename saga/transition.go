package saga

// Transition decides the next state and the effects that lead to it.
// It performs no I/O and is deterministic in its arguments.
//
// A snapshot in a terminal status yields no effects, which makes a
// redelivered event a no-op.
func Transition(state State, snap Snapshot, in Input) (State, []Effect) {
	if snap.Status.IsTerminal() {
		state.CurrentStep = StepCompleted
		if snap.Status == StatusWaitlist {
			state.CurrentStep = StepWaitlisted
		}
		return state, nil
	}

	switch in := in.(type) {
	case EvaluationsCompleted:
		passed := in.OverallPassed
		state.OverallPassed = &passed
		if !passed {
			return reject(state)
		}
		return approve(state, snap)

	case InterviewsCompleted:
		passed, reasons := EvaluateInterviews(snap.Interviews)
		state.InterviewsPassed = &passed
		if !passed {
			return conditional(state, snap, reasons)
		}
		if !snap.EvaluationsComplete {
			// Evaluations will drive the saga when they complete.
			state.CurrentStep = StepInterviewsCompleted
			return state, nil
		}
		return finalApproval(state, snap, nil)

	case SeatReserved:
		state.CurrentStep = StepCompleted
		return state, []Effect{
			UpdateStatus{Step: StepFinalApproval, Status: StatusApproved, Reason: "all requirements met"},
			QueueNotification{Step: StepFinalApproval, Kind: NotifyApproved},
		}

	case SeatUnavailable:
		state.CurrentStep = StepWaitlisted
		return state, []Effect{
			UpdateStatus{Step: StepFinalApproval, Status: StatusWaitlist, Reason: "no seat available"},
			QueueNotification{Step: StepFinalApproval, Kind: NotifyWaitlisted},
		}
	}

	return state, nil
}

func reject(state State) (State, []Effect) {
	state.CurrentStep = StepCompleted
	return state, []Effect{
		UpdateStatus{Step: StepRejectionProcess, Status: StatusRejected, Reason: "evaluations not passed"},
		CancelPendingInterviews{Step: StepRejectionProcess},
		QueueNotification{Step: StepRejectionProcess, Kind: NotifyRejected},
	}
}

func approve(state State, snap Snapshot) (State, []Effect) {
	var effects []Effect
	if snap.Status != StatusPendingApproval {
		effects = append(effects, UpdateStatus{Step: StepApprovalProcess, Status: StatusPendingApproval, Reason: "evaluations passed"})
	}

	if snap.hasInterview(InterviewDirector, InterviewCompleted) {
		// Evaluations are complete: this input says so.
		snap.EvaluationsComplete = true
		return finalApproval(state, snap, effects)
	}

	state.CurrentStep = StepSchedulingInterviews
	if !snap.hasInterview(InterviewDirector, InterviewScheduled) {
		effects = append(effects, ScheduleInterview{Step: StepSchedulingInterviews, Kind: InterviewDirector})
	}
	return state, effects
}

func finalApproval(state State, snap Snapshot, effects []Effect) (State, []Effect) {
	var missing []string
	if !snap.EvaluationsComplete {
		missing = append(missing, "evaluations incomplete")
	}
	if !snap.hasInterview(InterviewDirector, InterviewCompleted) {
		missing = append(missing, "director interview not completed")
	}
	if len(missing) > 0 {
		s, more := conditional(state, snap, missing)
		return s, append(effects, more...)
	}

	state.CurrentStep = StepFinalApproval
	return state, append(effects, ReserveSeat{Step: StepFinalApproval})
}

func conditional(state State, snap Snapshot, missing []string) (State, []Effect) {
	state.CurrentStep = StepConditionalApproval
	state.MissingRequirements = missing

	var effects []Effect
	if !snap.hasInterview(InterviewFollowUp, InterviewScheduled) {
		effects = append(effects, ScheduleInterview{Step: StepConditionalApproval, Kind: InterviewFollowUp})
	}
	if snap.Status != StatusConditionallyApproved {
		effects = append(effects,
			UpdateStatus{Step: StepConditionalApproval, Status: StatusConditionallyApproved, Reason: "requirements pending"},
			QueueNotification{Step: StepConditionalApproval, Kind: NotifyConditionallyApproved, Missing: missing},
		)
	}
	return state, effects
}
