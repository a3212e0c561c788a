package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of one automation run, maps onto the POST
// /callback/result body (spec §4.3/§5): job_id, success, access_end_date,
// error, error_code, duration_seconds.
type Result struct {
	JobID           string
	Success         bool
	AccessEndDate   string
	Error           string
	ErrorCode       string
	DurationSeconds float64
}

// OTPCallback asks the orchestrator for a one-time code and blocks until the
// user supplies one or the context/deadline gives out.
type OTPCallback func(ctx context.Context, jobID, service string) (string, error)

// CredentialCallback asks the orchestrator for a named credential not
// present in the dispatch payload (e.g. a CVV never collected up front).
type CredentialCallback func(ctx context.Context, jobID, service, credentialName string) (string, error)

const (
	signInMaxSteps  = 20
	flowMaxSteps    = 40
	defaultSettle   = 2500 * time.Millisecond
	callbackDeadline = 10 * time.Minute
)

// credentialKeyword maps a semantic hint substring to a credentials map key.
type credentialKeyword struct {
	keywords []string
	credKey  string
	sensitive bool
}

var credentialKeywords = []credentialKeyword{
	{[]string{"email", "e-mail", "username", "phone"}, "email", false},
	{[]string{"password", "passwd"}, "password", true},
	{[]string{"cvv", "cvc", "security code", "card verification"}, "cvv", true},
	{[]string{"name", "full name"}, "name", false},
	{[]string{"zip", "postal"}, "zip", false},
	{[]string{"birth", "dob", "date of birth"}, "birth", false},
	{[]string{"gender", "sex"}, "gender", false},
}

// resolveCredential maps a VLM semantic hint to a credentials map key,
// ported from original_source/agent/vlm_executor.py's _resolve_credential.
func resolveCredential(hint string) (key string, sensitive bool, matched bool) {
	lower := strings.ToLower(hint)
	for _, ck := range credentialKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				return ck.credKey, ck.sensitive, true
			}
		}
	}
	return "", false, false
}

// inferCredentialFieldFromClick decides whether a click target is a
// credential input field and, if so, which credential it expects. Ported
// from _infer_credential_from_target: buttons/links/menus are never
// credential fields, and a field needs an explicit field indicator before
// matching email/password/cvv keywords.
func inferCredentialFieldFromClick(targetDescription string) (string, bool) {
	lower := strings.ToLower(targetDescription)
	for _, kw := range []string{"button", "link", "menu", "tab", "icon"} {
		if strings.Contains(lower, kw) {
			return "", false
		}
	}
	hasFieldIndicator := false
	for _, kw := range []string{"field", "input", "box", "textbox", "text box"} {
		if strings.Contains(lower, kw) {
			hasFieldIndicator = true
			break
		}
	}
	if !hasFieldIndicator {
		return "", false
	}
	if key, _, ok := resolveCredential(lower); ok {
		return key, true
	}
	return "", false
}

// Executor drives one browser session end-to-end: sign-in phase, then the
// cancel/resume flow phase, dispatching on the vision model's classification
// each iteration. Grounded on VLMExecutor.run in
// original_source/agent/vlm_executor.py.
type Executor struct {
	vision       VisionClassifier
	catalog      *Catalog
	settleDelay  time.Duration
	maxSignIn    int
	maxFlow      int
	newBrowser   func(ctx context.Context) (*Browser, error)
	otpCallback  OTPCallback
	credCallback CredentialCallback
}

func NewExecutor(vision VisionClassifier, catalog *Catalog, otpCB OTPCallback, credCB CredentialCallback) *Executor {
	return &Executor{
		vision:      vision,
		catalog:     catalog,
		settleDelay: defaultSettle,
		maxSignIn:   signInMaxSteps,
		maxFlow:     flowMaxSteps,
		newBrowser: func(ctx context.Context) (*Browser, error) {
			return NewBrowser(ctx, true)
		},
		otpCallback:  otpCB,
		credCallback: credCB,
	}
}

// Run executes job's cancel/resume flow against a fresh browser session.
func (e *Executor) Run(ctx context.Context, job *ActiveJob, credentials map[string]string) *Result {
	start := time.Now()
	result := func(success bool, accessEnd, errMsg, errCode string) *Result {
		return &Result{
			JobID:           job.JobID,
			Success:         success,
			AccessEndDate:   accessEnd,
			Error:           errMsg,
			ErrorCode:       errCode,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	svc, ok := e.catalog.Get(job.Service)
	if !ok {
		return result(false, "", fmt.Sprintf("unknown service: %s", job.Service), "unknown_service")
	}

	creds := make(map[string]string, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}

	browser, err := e.newBrowser(ctx)
	if err != nil {
		return result(false, "", err.Error(), "browser_launch_failed")
	}
	defer browser.Close()

	if err := browser.Navigate(svc.SignInURL); err != nil {
		return result(false, "", err.Error(), "navigation_failed")
	}

	stuck := newStuckDetector()

	if err := e.runSignIn(ctx, browser, job, svc, creds, stuck); err != nil {
		return result(false, "", err.Error(), classifyError(err))
	}

	stuck.reset()
	accessEnd, err := e.runFlow(ctx, browser, job, svc, creds, stuck)
	if err != nil {
		return result(false, "", err.Error(), classifyError(err))
	}

	return result(true, accessEnd, "", "")
}

func classifyError(err error) string {
	switch err {
	case errNeedHuman:
		return "need_human"
	case errStuck:
		return "stuck"
	default:
		return "automation_error"
	}
}

var (
	errNeedHuman = fmt.Errorf("worker: flow needs a human")
	errStuck     = fmt.Errorf("worker: flow appears stuck")
)

func (e *Executor) runSignIn(ctx context.Context, browser *Browser, job *ActiveJob, svc Service, creds map[string]string, stuck *stuckDetector) error {
	for i := 0; i < e.maxSignIn; i++ {
		time.Sleep(e.settleDelay)

		shot, err := browser.Screenshot()
		if err != nil {
			return err
		}

		cls, err := e.vision.ClassifySignIn(ctx, shot, svc.ID)
		if err != nil {
			continue
		}

		if stuck.observe(string(cls.PageType), string(cls.PageType), shot) {
			return errStuck
		}

		switch cls.PageType {
		case PageSignedIn:
			return nil
		case PageUserPass:
			if err := browser.TypeText(`input[type="email"], input[type="text"]`, creds["email"]); err != nil {
				return err
			}
			if err := browser.PressKey("Tab"); err != nil {
				return err
			}
			if err := browser.TypeText(`input[type="password"]`, creds["password"]); err != nil {
				return err
			}
			if err := browser.PressKey("Enter"); err != nil {
				return err
			}
		case PageUserOnly:
			if err := browser.TypeText(`input[type="email"], input[type="text"]`, creds["email"]); err != nil {
				return err
			}
			if err := browser.PressKey("Enter"); err != nil {
				return err
			}
		case PagePassOnly:
			if err := browser.TypeText(`input[type="password"]`, creds["password"]); err != nil {
				return err
			}
			if err := browser.PressKey("Enter"); err != nil {
				return err
			}
		case PageButtonOnly, PageProfileSelect:
			if err := browser.PressKey("Enter"); err != nil {
				return err
			}
		case PageEmailCodeSingle, PageEmailCodeMulti, PagePhoneCodeSingle, PagePhoneCodeMulti:
			code, err := e.requestOTP(ctx, job, svc.ID)
			if err != nil {
				return err
			}
			if err := browser.TypeText(`input[type="tel"], input[type="text"], input[type="number"]`, code); err != nil {
				return err
			}
			if err := browser.PressKey("Enter"); err != nil {
				return err
			}
		case PageEmailLink, PageCaptcha:
			return errNeedHuman
		case PageSpinner:
			// nothing to do, loop again after settling
		default:
			// unknown, keep trying a bounded number of times via stuck detection
		}
	}
	return errStuck
}

func (e *Executor) runFlow(ctx context.Context, browser *Browser, job *ActiveJob, svc Service, creds map[string]string, stuck *stuckDetector) (string, error) {
	planTier := e.catalog.PlanTierFor(svc.ID, job.PlanID)

	for i := 0; i < e.maxFlow; i++ {
		time.Sleep(e.settleDelay)

		shot, err := browser.Screenshot()
		if err != nil {
			return "", err
		}

		cls, err := e.vision.ClassifyFlow(ctx, shot, svc.ID, job.Action, planTier)
		if err != nil {
			continue
		}

		if stuck.observe(string(cls.Action), string(cls.Action), shot) {
			return "", errStuck
		}

		switch cls.Action {
		case ActionDone:
			return cls.AccessEndDate, nil
		case ActionNeedHuman:
			return "", errNeedHuman
		case ActionClick:
			if credKey, isCred := inferCredentialFieldFromClick(cls.TargetDescription); isCred {
				value, err := e.resolveOrAskCredential(ctx, job, svc.ID, credKey, creds)
				if err != nil {
					return "", err
				}
				if err := browser.TypeText(textTargetSelector(cls.TargetDescription), value); err != nil {
					return "", err
				}
				continue
			}
			if err := browser.ClickText(cls.TargetDescription); err != nil {
				return "", err
			}
		case ActionTypeText:
			credKey, _, matched := resolveCredential(cls.TextToType)
			if matched {
				value, err := e.resolveOrAskCredential(ctx, job, svc.ID, credKey, creds)
				if err != nil {
					return "", err
				}
				if err := browser.TypeText(textTargetSelector(cls.TargetDescription), value); err != nil {
					return "", err
				}
				continue
			}
			if err := browser.TypeText(textTargetSelector(cls.TargetDescription), cls.TextToType); err != nil {
				return "", err
			}
		case ActionScrollUp:
			if err := browser.ScrollBy(-600); err != nil {
				return "", err
			}
		case ActionScrollDown:
			if err := browser.ScrollBy(600); err != nil {
				return "", err
			}
		case ActionPressKey:
			if err := browser.PressKey(cls.Key); err != nil {
				return "", err
			}
		case ActionWait:
			// loop again after the settle delay above
		}
	}
	return "", errStuck
}

// resolveOrAskCredential returns a cached credential, or asks the
// orchestrator for it and caches the answer for the rest of this run (spec
// §7's worked example: a credential supplied via callback is not asked for
// twice in the same session).
func (e *Executor) resolveOrAskCredential(ctx context.Context, job *ActiveJob, service, credKey string, creds map[string]string) (string, error) {
	if v, ok := creds[credKey]; ok && v != "" {
		return v, nil
	}
	if e.credCallback == nil {
		return "", fmt.Errorf("worker: credential %s missing and no callback configured", credKey)
	}
	value, err := e.credCallback(ctx, job.JobID, service, credKey)
	if err != nil {
		return "", fmt.Errorf("worker: credential callback for %s: %w", credKey, err)
	}
	creds[credKey] = value
	return value, nil
}

func (e *Executor) requestOTP(ctx context.Context, job *ActiveJob, service string) (string, error) {
	if e.otpCallback == nil {
		return "", fmt.Errorf("worker: otp needed and no callback configured")
	}
	return e.otpCallback(ctx, job.JobID, service)
}

// textTargetSelector derives a best-effort CSS selector from a vision
// model's free-text target description. Good enough for the common form
// fields the sign-in/flow phases touch; anything unmatched falls back to
// the active element.
func textTargetSelector(desc string) string {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "password"):
		return `input[type="password"]`
	case strings.Contains(lower, "email") || strings.Contains(lower, "username"):
		return `input[type="email"], input[type="text"]`
	case strings.Contains(lower, "code") || strings.Contains(lower, "cvv"):
		return `input[type="tel"], input[type="text"], input[type="number"]`
	default:
		return `:focus`
	}
}
