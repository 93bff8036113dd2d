package scraperr

// recoveries maps every stable code to an actionable recovery strategy.
// Codes without an entry here fail TestEveryCodeHasRecovery.
var recoveries = map[string]string{
	CodeInvalidURL:              "Provide an absolute http or https URL with a resolvable host",
	CodeInvalidProfile:          "Use one of the registered profiles: balanced, stealth, browser_tls, none, custom",
	CodeInvalidRateLimit:        "Set rate_limit_delay between 0.1 and 60 seconds",
	CodeInvalidMaxResponseChars: "Set max_response_chars between 1000 and 1000000",
	CodeInvalidArgument:         "Fix the argument named in details and retry",
	CodeURLNotFound:             "Verify the URL exists; the server returned 404",
	CodeAccessDenied:            "The server returned 403; try a different anti-detection profile via set_antidetection",
	CodeRateLimited:             "Increase rate_limit_delay via set_antidetection or try again after the Retry-After window",
	CodeFetchError:              "The target server failed; retry later or check the URL",
	CodeTimeoutError:            "Increase timeout_seconds or retry when the target is less loaded",
	CodeConnectionError:         "Check the hostname resolves and the target is reachable",
	CodeRobotsBlocked:           "Call set_antidetection with respect_robots_txt=false to override",
	CodeSelectorNotFound:        "Call get_structure first to discover selectors present on the page",
	CodeInvalidSelector:         "Fix the CSS selector syntax",
	CodeEncodingError:           "The page declared an unsupported charset; retry without a selector or report the URL",
	CodeExtractionError:         "The page could not be parsed as HTML; fetch it raw or skip it",
	CodeSessionNotFound:         "The session id is unknown or expired; call list_sessions to see available sessions",
	CodeInvalidChunkIndex:       "Use a chunk_index between 0 and total_chunks-1 from get_session_info",
	CodeContentTooLarge:         "Raise max_bytes or read the session chunk by chunk via get_session_chunk",
	CodeAuthError:               "Provide a valid token",
	CodePermissionDenied:        "This session belongs to another group; authenticate with a token for that group",
	CodeSSRFBlocked:             "Private, loopback and link-local hosts are refused; use a public URL",
	CodeParseError:              "Retry with parse_results=false to get the raw crawl, or pick a different source_profile_name",
	CodeUnknownTool:             "GET /tools lists the available tool names",
	CodeInternalError:           "Unexpected failure; retry once and report if it persists",
}

// Recovery returns the registered recovery strategy for a code. Unknown codes
// fall back to the INTERNAL_ERROR strategy so the envelope is never empty.
func Recovery(code string) string {
	if r, ok := recoveries[code]; ok {
		return r
	}
	return recoveries[CodeInternalError]
}

// Codes returns all registered stable codes.
func Codes() []string {
	out := make([]string, 0, len(recoveries))
	for c := range recoveries {
		out = append(out, c)
	}
	return out
}
