package main

import (
	"net/http"

	"imuslab.com/offlinecache/mod/utils"
)

/*
	cache_api.go

	This file contains API handlers for the offline cache settings and
	version lifecycle
*/

// HandleGetCacheSettings returns the running configuration with secrets removed
func HandleGetCacheSettings(w http.ResponseWriter, r *http.Request) {
	if cacheConfiguration == nil {
		utils.SendErrorResponse(w, "Offline cache is not initialized")
		return
	}
	utils.SendJSONResponse(w, cacheConfiguration.Redacted())
}

// HandleInstallVersion installs a version given as the "version" form value
func HandleInstallVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version, err := utils.PostPara(r, "version")
	if err != nil {
		utils.SendErrorResponse(w, "version is required")
		return
	}

	c, err := cacheRegistration.Register(r.Context(), version)
	if err != nil {
		utils.SendErrorResponse(w, err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"version": c.Version(),
		"active":  c.IsActive(),
	})
}

// HandleCheckUpdate runs an update check against the version endpoint
func HandleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	updated, err := cacheRegistration.Update(r.Context())
	if err != nil {
		utils.SendErrorResponse(w, "Update check failed: "+err.Error())
		return
	}

	response := map[string]interface{}{
		"updated": updated,
	}
	if c := cacheRegistration.Active(); c != nil {
		response["active_version"] = c.Version()
	}
	if c := cacheRegistration.Waiting(); c != nil {
		response["waiting_version"] = c.Version()
	}
	utils.SendJSONResponse(w, response)
}
