package nse

const defaultUserAgent = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Mobile Safari/537.36"

// pageHeaders mimic a browser navigation to the option chain page, which is
// what hands out the session cookies the API insists on.
func pageHeaders(userAgent, referer string) map[string]string {
	return map[string]string{
		"User-Agent":                userAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"DNT":                       "1",
		"Referer":                   referer,
		"Sec-Fetch-Site":            "same-origin",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-User":            "?1",
		"Sec-Fetch-Dest":            "document",
		"Upgrade-Insecure-Requests": "1",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
	}
}

func apiHeaders(userAgent, referer string) map[string]string {
	return map[string]string{
		"User-Agent":         userAgent,
		"Accept":             "*/*",
		"Accept-Language":    "en-US,en;q=0.9",
		"Sec-Ch-Ua":          `"Google Chrome";v="137", "Chromium";v="137", "Not/A)Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":   "?1",
		"Sec-Ch-Ua-Platform": `"Android"`,
		"Sec-Fetch-Site":     "same-origin",
		"Sec-Fetch-Mode":     "cors",
		"Sec-Fetch-Dest":     "empty",
		"Referer":            referer,
	}
}
