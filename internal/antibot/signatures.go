package antibot

import "regexp"

// Signature maps a structural fingerprint of a vendor block page to the
// reason reported when it matches.
type Signature struct {
	Reason string
	Match  Marker
}

// Akamai reference numbers look like "Reference #18.3b2c1402.1712345678.5f3a9e1".
var akamaiReference = regexp.MustCompile(`Reference\s*(?:&#32;|\s)*(?:#|&#35;)\s*\d+(?:\.|&#46;)[0-9a-f]+(?:\.|&#46;)\d+(?:\.|&#46;)[0-9a-f]+`)

// Vendor block pages, checked in order. Every entry is a conjunction of
// markers that do not occur in ordinary article text.
var builtinSignatures = []Signature{
	{
		Reason: "Cloudflare challenge page",
		Match: AnyOf(
			AllOf(
				ScriptSrc("/cdn-cgi/challenge-platform/"),
				AnyOf(
					ElementID("challenge-form"),
					ElementID("challenge-running"),
					ElementID("challenge-stage"),
					ElementID("cf-challenge-running"),
				),
			),
			AllOf(ElementID("challenge-form"), FormAction("__cf_chl_")),
			AllOf(Title("Just a moment..."), InlineScript("_cf_chl_opt")),
		),
	},
	{
		Reason: "Cloudflare firewall block",
		Match: AnyOf(
			AllOf(ElementID("cf-error-details"), Selector(".cf-error-code")),
			AllOf(ElementID("cf-wrapper"), Selector(`[data-translate="block_headline"]`)),
		),
	},
	{
		Reason: "Akamai block (reference token present)",
		Match: AllOf(
			ErrorToken(akamaiReference),
			AnyOf(Title("Access Denied"), LinkHref("errors.edgesuite.net")),
		),
	},
	{
		Reason: "Imperva/Incapsula block iframe",
		Match: AnyOf(
			IframeSrc("/_Incapsula_Resource"),
			AllOf(ScriptSrc("/_Incapsula_Resource"), InlineScript("incident_id")),
		),
	},
	{
		Reason: "PerimeterX challenge",
		Match: AnyOf(
			ElementID("px-captcha"),
			AllOf(
				InlineScript("_pxAppId"),
				AnyOf(
					ScriptSrc("captcha.px-cdn.net"),
					ScriptSrc("captcha.px-cloud.net"),
					ScriptSrc("/captcha/captcha.js"),
				),
			),
		),
	},
	{
		Reason: "DataDome challenge",
		Match: AnyOf(
			IframeSrc("captcha-delivery.com"),
			AllOf(ScriptSrc("ct.captcha-delivery.com"), InlineScript("var dd=")),
		),
	},
	{
		Reason: "Sucuri firewall page",
		Match: AnyOf(
			AllOf(TitleContains("Sucuri WebSite Firewall"), LinkHref("sucuri.net")),
			InlineScript("sucuri_cloudproxy_js"),
		),
	},
	{
		Reason: "AWS WAF challenge",
		Match: AllOf(
			ScriptSrc("awswaf.com"),
			ScriptSrc("/challenge.js"),
			InlineScript("gokuProps"),
		),
	},
}

// captchaWidget matches the embed markup of common CAPTCHA providers.
var captchaWidget = AnyOf(
	Selector(".g-recaptcha"),
	Selector(".h-captcha"),
	Selector(".cf-turnstile"),
	ScriptSrc("google.com/recaptcha/"),
	ScriptSrc("recaptcha.net/recaptcha/"),
	ScriptSrc("hcaptcha.com/1/api.js"),
	ScriptSrc("challenges.cloudflare.com/turnstile/"),
	IframeSrc("google.com/recaptcha/"),
	IframeSrc("hcaptcha.com"),
)
